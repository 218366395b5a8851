package github

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"gopkg.in/ini.v1"

	"github.com/prezel/prezel/pkg/log"
)

// DownloadCommit expands the tarball of a commit into dir, then resolves
// git submodules recursively. Submodules are followed only when they point
// back at the same provider, since tokens are provider-scoped.
func (c *Client) DownloadCommit(ctx context.Context, repoID int64, sha, dir string) error {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return err
	}
	owner, name, err := c.ownerAndName(ctx, repoID)
	if err != nil {
		return err
	}
	return c.downloadRef(ctx, rest, repoRef{owner: owner, name: name, sha: sha}, dir)
}

func (c *Client) downloadRef(ctx context.Context, rest *gh.Client, ref repoRef, dir string) error {
	if err := c.expandTarball(ctx, rest, ref, dir); err != nil {
		return err
	}

	modules, err := readGitmodules(filepath.Join(dir, ".gitmodules"))
	if err != nil {
		return err
	}
	for _, modulePath := range modules {
		subRef, ok := c.resolveSubmodule(ctx, rest, ref, modulePath)
		if !ok {
			logger := log.WithComponent("github")
			logger.Warn().
				Str("repo", ref.name).
				Str("path", modulePath).
				Msg("skipping unresolvable submodule")
			continue
		}
		if err := c.downloadRef(ctx, rest, subRef, filepath.Join(dir, modulePath)); err != nil {
			return fmt.Errorf("failed to download submodule %s: %w", modulePath, err)
		}
	}
	return nil
}

func (c *Client) expandTarball(ctx context.Context, rest *gh.Client, ref repoRef, dir string) error {
	link, _, err := rest.Repositories.GetArchiveLink(ctx, ref.owner, ref.name, gh.Tarball,
		&gh.RepositoryContentGetOptions{Ref: ref.sha}, 5)
	if err != nil {
		return fmt.Errorf("failed to resolve tarball of %s@%s: %w", ref.name, ref.sha[:7], err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download tarball of %s: %w", ref.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tarball download of %s returned %d", ref.name, resp.StatusCode)
	}
	return untarStripped(resp.Body, dir)
}

// untarStripped expands a gzipped tarball into dir, dropping the archive's
// top-level directory the way `tar --strip-components=1` does.
func untarStripped(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("invalid tarball: %w", err)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid tarball entry: %w", err)
		}
		_, inner, found := strings.Cut(filepath.ToSlash(header.Name), "/")
		if !found || inner == "" {
			continue
		}
		target, err := securePath(dir, inner)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, reader); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !errors.Is(err, os.ErrExist) {
				return err
			}
		}
	}
}

func securePath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("tarball entry escapes target dir: %s", name)
	}
	return target, nil
}

// readGitmodules returns the submodule paths declared in a .gitmodules
// file, or nothing when the file does not exist.
func readGitmodules(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	file, err := ini.Load(content)
	if err != nil {
		return nil, fmt.Errorf("invalid .gitmodules: %w", err)
	}
	var paths []string
	for _, section := range file.Sections() {
		if !strings.HasPrefix(section.Name(), "submodule") {
			continue
		}
		if key, err := section.GetKey("path"); err == nil {
			paths = append(paths, key.String())
		}
	}
	return paths, nil
}

// resolveSubmodule asks the contents API what commit a submodule entry
// pins, via the git URL it reports. Only api.github.com tree URLs of the
// shape /repos/{owner}/{name}/git/trees/{sha} are followed.
func (c *Client) resolveSubmodule(ctx context.Context, rest *gh.Client, ref repoRef, path string) (repoRef, bool) {
	file, _, _, err := rest.Repositories.GetContents(ctx, ref.owner, ref.name, path,
		&gh.RepositoryContentGetOptions{Ref: ref.sha})
	if err != nil || file == nil {
		return repoRef{}, false
	}
	return parseSubmoduleGitURL(file.GetGitURL())
}

func parseSubmoduleGitURL(gitURL string) (repoRef, bool) {
	parsed, err := url.Parse(gitURL)
	if err != nil || parsed.Host != "api.github.com" {
		return repoRef{}, false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) != 6 || segments[0] != "repos" || segments[3] != "git" || segments[4] != "trees" {
		return repoRef{}, false
	}
	return repoRef{owner: segments[1], name: segments[2], sha: segments[5]}, true
}
