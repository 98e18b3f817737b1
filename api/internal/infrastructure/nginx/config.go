// Package nginx renders the reverse-proxy configuration served for each site.
package nginx

import (
	"bytes"
	"strings"
	"text/template"
)

// CatchAllServerName is the server_name used when a site has no domain.
const CatchAllServerName = "_"

// Header lines written at the top of every generated file. The shared-host backend
// reads them back to find out which site owns a fragment.
const (
	HeaderSiteID  = "# site-id: "
	HeaderRole    = "# role: "
	RoleCatchAll  = "catch-all"
	RoleNamed     = "named"
	managedMarker = "# Managed by sirka-agent. Local edits are overwritten on the next deploy."
)

// Input is everything the generated configuration depends on. Generate is a pure
// function of it.
type Input struct {
	SiteID          string
	SiteName        string
	Domain          string // empty renders the catch-all server
	ServedPath      string
	IndexCandidates []string
}

type templateData struct {
	Marker     string
	SiteID     string
	SiteName   string
	Role       string
	CatchAll   bool
	ServerName string
	Root       string
	Index      string
	Fallback   string
}

var serverTemplate = template.Must(template.New("server").Parse(`{{.Marker}}
# site: {{.SiteName}}
` + HeaderSiteID + `{{.SiteID}}
` + HeaderRole + `{{.Role}}
server {
{{- if .CatchAll}}
    listen 80 default_server;
    listen [::]:80 default_server;
{{- else}}
    listen 80;
    listen [::]:80;
{{- end}}
    server_name {{.ServerName}};

    root {{.Root}};
    index {{.Index}};

    location / {
        try_files $uri $uri/ /{{.Fallback}};
    }

    # Security headers
    add_header X-Frame-Options "SAMEORIGIN" always;
    add_header X-Content-Type-Options "nosniff" always;
    add_header X-XSS-Protection "1; mode=block" always;
    add_header Referrer-Policy "strict-origin-when-cross-origin" always;

    # Gzip compression
    gzip on;
    gzip_vary on;
    gzip_min_length 1024;
    gzip_types text/plain text/css text/xml text/javascript application/javascript application/xml+rss application/json image/svg+xml;
}
`))

// Generate renders the server block for one site. Identical input always yields
// byte-identical output.
func Generate(in Input) string {
	candidates := in.IndexCandidates
	if len(candidates) == 0 {
		candidates = FallbackIndexes
	}

	data := templateData{
		Marker:     managedMarker,
		SiteID:     commentSafe(in.SiteID),
		SiteName:   commentSafe(in.SiteName),
		Role:       RoleNamed,
		CatchAll:   in.Domain == "",
		ServerName: in.Domain,
		Root:       in.ServedPath,
		Index:      strings.Join(candidates, " "),
		Fallback:   candidates[0],
	}
	if data.CatchAll {
		data.Role = RoleCatchAll
		data.ServerName = CatchAllServerName
	}

	var buf bytes.Buffer
	// Execute only fails on writer errors and bytes.Buffer has none.
	_ = serverTemplate.Execute(&buf, data)
	return buf.String()
}

// commentSafe keeps free-text fields on their comment line.
func commentSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}

// ParseHeader extracts the owning site id and role from a generated file. ok is
// false for files the agent did not write.
func ParseHeader(content []byte) (siteID, role string, ok bool) {
	for _, line := range strings.Split(string(content), "\n") {
		switch {
		case strings.HasPrefix(line, HeaderSiteID):
			siteID = strings.TrimSpace(strings.TrimPrefix(line, HeaderSiteID))
		case strings.HasPrefix(line, HeaderRole):
			role = strings.TrimSpace(strings.TrimPrefix(line, HeaderRole))
		case strings.HasPrefix(line, "server {"):
			return siteID, role, siteID != "" && role != ""
		}
	}
	return siteID, role, siteID != "" && role != ""
}
