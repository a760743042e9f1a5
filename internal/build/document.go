package build

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/danmuck/shipctl/internal/faults"
)

var (
	attrPattern    = regexp.MustCompile(`\b(src|href)=("([^"]*)"|'([^']*)')`)
	headEndPattern = regexp.MustCompile(`(?i)</head>`)
)

// rewriteDocument points entry references at emitted assets and turns
// root-absolute references into document-relative ones so the tree can be
// served from any base path.
func rewriteDocument(doc string, entries map[string]entryAssets) string {
	var styles []string
	doc = attrPattern.ReplaceAllStringFunc(doc, func(match string) string {
		m := attrPattern.FindStringSubmatch(match)
		attr, quote, value := m[1], `"`, m[3]
		if strings.HasPrefix(m[2], "'") {
			quote, value = "'", m[4]
		}
		if assets, ok := entries[entryKey(value)]; ok {
			if assets.Style != "" {
				styles = append(styles, assets.Style)
			}
			return attr + "=" + quote + "./" + assets.Script + quote
		}
		if strings.HasPrefix(value, "/") && !strings.HasPrefix(value, "//") {
			return attr + "=" + quote + "." + value + quote
		}
		return match
	})
	if len(styles) == 0 {
		return doc
	}
	sort.Strings(styles)
	var links strings.Builder
	for _, s := range styles {
		fmt.Fprintf(&links, "<link rel=\"stylesheet\" href=\"./%s\">\n", s)
	}
	if loc := headEndPattern.FindStringIndex(doc); loc != nil {
		return doc[:loc[0]] + links.String() + doc[loc[0]:]
	}
	return links.String() + doc
}

func entryKey(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || strings.Contains(value, "://") || strings.HasPrefix(value, "//") {
		return ""
	}
	value = strings.TrimPrefix(value, "/")
	return path.Clean(value)
}

var textExtensions = map[string]struct{}{
	".html": {}, ".htm": {}, ".js": {}, ".mjs": {}, ".cjs": {}, ".css": {},
	".json": {}, ".map": {}, ".svg": {}, ".txt": {}, ".xml": {}, ".webmanifest": {},
}

// sourcePathPattern matches root only as a whole path: preceded by a
// non-path character (or a file:// scheme) and followed by a separator, a
// string delimiter or the end of the text. "/app" does not match
// "./apple-touch-icon.png" or "/application/state".
func sourcePathPattern(root string) *regexp.Regexp {
	return regexp.MustCompile("(?m)(?:^|[^\\w./-]|file://)" + regexp.QuoteMeta(root) + "(?:[/\\\\\"'`]|$)")
}

// scanAbsolutePaths fails when an emitted text file embeds a build-host path.
func scanAbsolutePaths(step, outDir string, files []string, roots ...string) error {
	type needle struct {
		root    string
		pattern *regexp.Regexp
	}
	needles := make([]needle, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" || r == string(os.PathSeparator) {
			continue
		}
		r = filepath.Clean(r)
		needles = append(needles, needle{root: r, pattern: sourcePathPattern(r)})
	}
	for _, rel := range files {
		if _, ok := textExtensions[strings.ToLower(filepath.Ext(rel))]; !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(rel)))
		if err != nil {
			return &faults.BuildError{Step: step, Err: err}
		}
		for _, n := range needles {
			if !bytes.Contains(data, []byte(n.root)) || !n.pattern.Match(data) {
				continue
			}
			return &faults.BuildError{
				Step:       step,
				Diagnostic: fmt.Sprintf("%s contains %s", rel, n.root),
				Err:        fmt.Errorf("%w: %s", ErrAbsoluteSourcePath, rel),
			}
		}
	}
	return nil
}
