package diffservice

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/go/sklog"
)

// PrefixMap maps a module-qualified path prefix (e.g. "proj/") onto the
// filesystem path prefix it corresponds to (e.g. ""). It implements the
// generic "module_prefix -> fs_prefix" path reconciliation described in
// §4.H, deliberately more general than the single Go-module scanner shipped
// here so other language ecosystems can plug in an analogous one later.
type PrefixMap map[string]string

var goModuleRe = regexp.MustCompile(`(?m)^\s*module\s+(\S+)\s*$`)

// BuildPrefixMap dispatches to the scanner appropriate for repoType. Only
// the Go ecosystem (coverage_format "goc") has a manifest convention
// specified; other types fall back to an empty map, which degrades matching
// to exact-path-only — a documented limitation, not an error.
func BuildPrefixMap(repoType common.RepoType, worktreeRoot string) PrefixMap {
	switch repoType {
	case common.RepoTypeGo:
		pm, err := scanGoModules(worktreeRoot)
		if err != nil {
			sklog.Warningf("diffservice: scanning go.mod files under %s: %v", worktreeRoot, err)
			return PrefixMap{}
		}
		return pm
	default:
		return PrefixMap{}
	}
}

// scanGoModules walks worktreeRoot for go.mod files and records, for each,
// the mapping from "<module name>/" to the directory containing that go.mod
// (relative to worktreeRoot, with a trailing slash, or "" for the root
// module).
func scanGoModules(worktreeRoot string) (PrefixMap, error) {
	pm := PrefixMap{}
	err := filepath.WalkDir(worktreeRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Name() != "go.mod" {
			return nil
		}
		contents, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		m := goModuleRe.FindSubmatch(contents)
		if m == nil {
			return nil
		}
		moduleName := string(m[1])
		rel, relErr := filepath.Rel(worktreeRoot, filepath.Dir(path))
		if relErr != nil || rel == "." {
			rel = ""
		} else {
			rel = filepath.ToSlash(rel) + "/"
		}
		pm[moduleName+"/"] = rel
		return nil
	})
	return pm, err
}

// ResolveStoredPath finds the storedPath whose on-disk location, under
// prefixMap's reconciliation, equals diffPath. An exact match is tried
// first; failing that, prefixMap entries are tried in a fixed (sorted) order
// so "first hit wins" is deterministic. Returns ("", false) if nothing
// matches.
func ResolveStoredPath(diffPath string, storedPaths []string, prefixMap PrefixMap) (string, bool) {
	for _, sp := range storedPaths {
		if sp == diffPath {
			return sp, true
		}
	}

	prefixes := make([]string, 0, len(prefixMap))
	for p := range prefixMap {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	for _, modulePrefix := range prefixes {
		fsPrefix := prefixMap[modulePrefix]
		for _, sp := range storedPaths {
			if !strings.HasPrefix(sp, modulePrefix) {
				continue
			}
			candidate := fsPrefix + strings.TrimPrefix(sp, modulePrefix)
			if candidate == diffPath {
				return sp, true
			}
		}
	}
	return "", false
}
