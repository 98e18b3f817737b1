package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
	"github.com/sirka-internal/vps-agent/api/internal/infrastructure/nginx"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List deployed sites and whether the runtime serves them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, jsonLogs)

		a, err := newAgent(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		live, err := a.manager.LiveSites()
		if err != nil {
			return err
		}
		served, err := a.backend.List(cmd.Context())
		if err != nil {
			return err
		}
		printSites(cmd.OutOrStdout(), a.kind, live, served)
		return nil
	},
}

// printSites merges the on-disk and runtime views into one table.
func printSites(w io.Writer, kind domain.BackendKind, live, served []string) {
	state := map[string]string{}
	for _, id := range live {
		state[id] = "not served"
	}
	for _, id := range served {
		if _, ok := state[id]; ok {
			state[id] = "served"
		} else {
			state[id] = "no content"
		}
	}
	if len(state) == 0 {
		fmt.Fprintf(w, "No sites deployed (runtime %s).\n", kind)
		return
	}

	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(w, "%-32s %s\n", "SITE", "STATE ("+string(kind)+")")
	for _, id := range ids {
		fmt.Fprintf(w, "%-32s %s\n", id, state[id])
	}
}

var (
	renderSite domain.Site
	renderRoot string
)

var renderConfigCmd = &cobra.Command{
	Use:   "render-config",
	Short: "Print the nginx server block the agent would generate",
	Long: `Renders the managed server block for a site without touching the runtime.
When --root exists its top-level HTML files decide the index candidates,
exactly as during a deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := renderSite.Validate(); err != nil {
			return err
		}
		candidates, err := nginx.DetectIndexCandidates(renderRoot)
		if err != nil {
			candidates = nil
		}
		fmt.Fprint(cmd.OutOrStdout(), nginx.Generate(nginx.Input{
			SiteID:          renderSite.ID,
			SiteName:        renderSite.Name,
			Domain:          renderSite.Domain,
			ServedPath:      renderRoot,
			IndexCandidates: candidates,
		}))
		return nil
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Read a token on stdin and print a value for AGENT_TOKEN_HASH",
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token := strings.TrimSpace(line)
		if token == "" {
			return errors.New("empty token on stdin")
		}
		hash, err := services.HashToken(token)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	f := renderConfigCmd.Flags()
	f.StringVar(&renderSite.ID, "site-id", "", "site identifier (required)")
	f.StringVar(&renderSite.Name, "name", "", "display name (required)")
	f.StringVar(&renderSite.Domain, "domain", "", "domain; empty renders the catch-all server")
	f.StringVar(&renderRoot, "root", "", "served directory as seen by nginx (required)")
	_ = renderConfigCmd.MarkFlagRequired("site-id")
	_ = renderConfigCmd.MarkFlagRequired("name")
	_ = renderConfigCmd.MarkFlagRequired("root")

	rootCmd.AddCommand(sitesCmd, renderConfigCmd, hashTokenCmd)
}
