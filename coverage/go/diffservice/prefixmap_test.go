package diffservice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/diffservice"
)

func TestBuildPrefixMap_Go_RootModule(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module proj\n\ngo 1.21\n"), 0o644))

	pm := diffservice.BuildPrefixMap(common.RepoTypeGo, root)
	require.Equal(t, diffservice.PrefixMap{"proj/": ""}, pm)
}

func TestBuildPrefixMap_NonGo_ReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module proj\n"), 0o644))

	pm := diffservice.BuildPrefixMap(common.RepoTypePython, root)
	require.Empty(t, pm)
}

func TestResolveStoredPath_ExactMatchWins(t *testing.T) {
	stored := []string{"pkg/a.go", "proj/pkg/a.go"}
	path, ok := diffservice.ResolveStoredPath("pkg/a.go", stored, diffservice.PrefixMap{"proj/": ""})
	require.True(t, ok)
	require.Equal(t, "pkg/a.go", path)
}

func TestResolveStoredPath_ModulePrefixReconciliation(t *testing.T) {
	// Example 6: stored path is module-qualified, diff path is the bare
	// filesystem path, worktree root is the Go module's own root.
	stored := []string{"proj/pkg/a.go"}
	path, ok := diffservice.ResolveStoredPath("pkg/a.go", stored, diffservice.PrefixMap{"proj/": ""})
	require.True(t, ok)
	require.Equal(t, "proj/pkg/a.go", path)
}

func TestResolveStoredPath_NoMatch(t *testing.T) {
	stored := []string{"other/pkg/a.go"}
	_, ok := diffservice.ResolveStoredPath("pkg/a.go", stored, diffservice.PrefixMap{"proj/": ""})
	require.False(t, ok)
}
