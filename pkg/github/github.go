// Package github is the Git provider adapter. Repos are addressed by their
// numeric id so renames and ownership transfers do not break projects.
// Access tokens are short-lived and fetched on demand from the provider
// endpoint, cached per repo for 30 minutes.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/prezel/prezel/pkg/types"
)

const tokenMaxAge = 30 * time.Minute

// Commit is the resolved tip of a branch.
type Commit struct {
	Timestamp int64
	Sha       string
}

// Pull is an open pull request against a repo.
type Pull struct {
	Number int
	Branch string
	Sha    string
}

// TokenSource hands out repo-scoped access tokens.
type TokenSource interface {
	RepoToken(ctx context.Context, repoID int64) (string, error)
}

// ProviderTokenSource fetches tokens from the configured provider endpoint.
type ProviderTokenSource struct {
	BaseURL string
	Client  *http.Client
}

func (s *ProviderTokenSource) RepoToken(ctx context.Context, repoID int64) (string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/api/repos/%d/token", s.BaseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch repo token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned %d for repo %d", resp.StatusCode, repoID)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("invalid provider response: %w", err)
	}
	return payload.Token, nil
}

type cachedToken struct {
	secret string
	millis int64
}

func (t cachedToken) expired() bool {
	return types.NowMillis()-t.millis > tokenMaxAge.Milliseconds()
}

// Client is the provider adapter shared by all workers.
type Client struct {
	source TokenSource

	mu     sync.RWMutex
	tokens map[int64]cachedToken

	// botMu serializes all write operations against pulls so concurrent
	// workers never interleave comments on the same PR
	botMu sync.Mutex
}

// New builds a Client over a token source.
func New(source TokenSource) *Client {
	return &Client{
		source: source,
		tokens: make(map[int64]cachedToken),
	}
}

func (c *Client) token(ctx context.Context, repoID int64) (string, error) {
	c.mu.RLock()
	token, ok := c.tokens[repoID]
	c.mu.RUnlock()
	if ok && !token.expired() {
		return token.secret, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if token, ok := c.tokens[repoID]; ok && !token.expired() {
		return token.secret, nil
	}
	secret, err := c.source.RepoToken(ctx, repoID)
	if err != nil {
		return "", err
	}
	c.tokens[repoID] = cachedToken{secret: secret, millis: types.NowMillis()}
	return secret, nil
}

func (c *Client) rest(ctx context.Context, repoID int64) (*gh.Client, error) {
	secret, err := c.token(ctx, repoID)
	if err != nil {
		return nil, err
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret})
	return gh.NewClient(oauth2.NewClient(ctx, source)), nil
}

type repoRef struct {
	owner string
	name  string
	sha   string
}

func (c *Client) ownerAndName(ctx context.Context, repoID int64) (string, string, error) {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return "", "", err
	}
	repo, _, err := rest.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve repo %d: %w", repoID, err)
	}
	return repo.GetOwner().GetLogin(), repo.GetName(), nil
}

// RepoName returns the full name of a repo, for display.
func (c *Client) RepoName(ctx context.Context, repoID int64) (string, error) {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return "", err
	}
	repo, _, err := rest.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo %d: %w", repoID, err)
	}
	return repo.GetFullName(), nil
}

// DefaultBranch resolves the default branch name of a repo.
func (c *Client) DefaultBranch(ctx context.Context, repoID int64) (string, error) {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return "", err
	}
	repo, _, err := rest.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo %d: %w", repoID, err)
	}
	return repo.GetDefaultBranch(), nil
}

// LatestCommit resolves the tip of a branch.
func (c *Client) LatestCommit(ctx context.Context, repoID int64, branch string) (Commit, error) {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return Commit{}, err
	}
	owner, name, err := c.ownerAndName(ctx, repoID)
	if err != nil {
		return Commit{}, err
	}
	commit, _, err := rest.Repositories.GetCommit(ctx, owner, name, branch, nil)
	if err != nil {
		return Commit{}, fmt.Errorf("failed to resolve %s@%s: %w", name, branch, err)
	}
	timestamp := types.NowMillis()
	if date := commit.GetCommit().GetCommitter().GetDate(); !date.IsZero() {
		timestamp = date.UnixMilli()
	}
	return Commit{Timestamp: timestamp, Sha: commit.GetSHA()}, nil
}

// OpenPulls lists the open pull requests of a repo.
func (c *Client) OpenPulls(ctx context.Context, repoID int64) ([]Pull, error) {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return nil, err
	}
	owner, name, err := c.ownerAndName(ctx, repoID)
	if err != nil {
		return nil, err
	}
	pulls, _, err := rest.PullRequests.List(ctx, owner, name, &gh.PullRequestListOptions{State: "open"})
	if err != nil {
		return nil, fmt.Errorf("failed to list pulls of %s: %w", name, err)
	}
	out := make([]Pull, 0, len(pulls))
	for _, pull := range pulls {
		out = append(out, Pull{
			Number: pull.GetNumber(),
			Branch: pull.GetHead().GetRef(),
			Sha:    pull.GetHead().GetSHA(),
		})
	}
	return out, nil
}

// DownloadFile fetches a single file at a commit, decoded.
func (c *Client) DownloadFile(ctx context.Context, repoID int64, sha, path string) (string, error) {
	rest, err := c.rest(ctx, repoID)
	if err != nil {
		return "", err
	}
	owner, name, err := c.ownerAndName(ctx, repoID)
	if err != nil {
		return "", err
	}
	file, _, _, err := rest.Repositories.GetContents(ctx, owner, name, path, &gh.RepositoryContentGetOptions{Ref: sha})
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s at %s: %w", path, sha[:7], err)
	}
	if file == nil {
		return "", fmt.Errorf("%s is not a file", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("invalid content for %s: %w", path, err)
	}
	return content, nil
}

// IsNotFound reports whether an error is a GitHub 404, as opposed to an
// auth or transport failure.
func IsNotFound(err error) bool {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
