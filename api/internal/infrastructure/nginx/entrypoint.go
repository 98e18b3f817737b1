package nginx

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/gobwas/glob"
)

// FallbackIndexes close every candidate list, and are the whole list when a
// served directory has no top-level HTML at all.
var FallbackIndexes = []string{"index.html", "index.htm"}

const (
	primaryIndex   = "index.html"
	secondaryIndex = "index_modified.html"
)

var htmlGlob = glob.MustCompile("*.html")

// 🛡️ File names land verbatim inside an nginx directive. Anything outside this set
// could terminate the directive, so such files are never offered as candidates.
var safeIndexName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// DetectIndexCandidates inspects the top level of dir and returns the index files in
// preference order: index.html, index_modified.html, any other *.html sorted by
// name, then the fallbacks. The first entry is the fallback route target.
func DetectIndexCandidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading served directory: %w", err)
	}

	present := make(map[string]bool, len(entries))
	var others []string
	for _, e := range entries {
		if e.IsDir() || !safeIndexName.MatchString(e.Name()) {
			continue
		}
		name := e.Name()
		present[name] = true
		if name != primaryIndex && name != secondaryIndex && htmlGlob.Match(name) {
			others = append(others, name)
		}
	}
	sort.Strings(others)

	var candidates []string
	if present[primaryIndex] {
		candidates = append(candidates, primaryIndex)
	}
	if present[secondaryIndex] {
		candidates = append(candidates, secondaryIndex)
	}
	candidates = append(candidates, others...)

	for _, f := range FallbackIndexes {
		if !contains(candidates, f) {
			candidates = append(candidates, f)
		}
	}
	return candidates, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
