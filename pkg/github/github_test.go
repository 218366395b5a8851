package github

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int64
}

func (s *countingSource) RepoToken(_ context.Context, repoID int64) (string, error) {
	n := s.calls.Add(1)
	return fmt.Sprintf("token-%d-%d", repoID, n), nil
}

func TestTokenCaching(t *testing.T) {
	source := &countingSource{}
	client := New(source)
	ctx := context.Background()

	first, err := client.token(ctx, 42)
	require.NoError(t, err)
	second, err := client.token(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), source.calls.Load())

	// a different repo gets its own token
	other, err := client.token(ctx, 43)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, int64(2), source.calls.Load())
}

func TestTokenExpiry(t *testing.T) {
	source := &countingSource{}
	client := New(source)
	ctx := context.Background()

	_, err := client.token(ctx, 42)
	require.NoError(t, err)

	// age the cached entry beyond the 30 minute window
	client.mu.Lock()
	entry := client.tokens[42]
	entry.millis -= tokenMaxAge.Milliseconds() + 1
	client.tokens[42] = entry
	client.mu.Unlock()

	_, err = client.token(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), source.calls.Load())
}

func TestParseSubmoduleGitURL(t *testing.T) {
	ref, ok := parseSubmoduleGitURL("https://api.github.com/repos/octocat/widget/git/trees/abc123")
	require.True(t, ok)
	assert.Equal(t, repoRef{owner: "octocat", name: "widget", sha: "abc123"}, ref)

	for _, bad := range []string{
		"https://gitlab.com/repos/octocat/widget/git/trees/abc123",
		"https://api.github.com/repos/octocat/widget/git/blobs/abc123",
		"https://api.github.com/repos/octocat/widget",
		"://broken",
	} {
		_, ok := parseSubmoduleGitURL(bad)
		assert.False(t, ok, bad)
	}
}

func TestReadGitmodules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitmodules")
	content := `[submodule "libs/widget"]
	path = libs/widget
	url = https://github.com/octocat/widget.git
[submodule "vendor/other"]
	path = vendor/other
	url = git@github.com:octocat/other.git
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	paths, err := readGitmodules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"libs/widget", "vendor/other"}, paths)

	// missing file is not an error
	paths, err = readGitmodules(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}
