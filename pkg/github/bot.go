package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v68/github"
)

// CheckStatus is the lifecycle state of a commit check run.
type CheckStatus string

const (
	CheckQueued     CheckStatus = "queued"
	CheckInProgress CheckStatus = "in_progress"
	CheckCompleted  CheckStatus = "completed"
)

// CheckConclusion is the outcome of a completed check run.
type CheckConclusion string

const (
	CheckSuccess CheckConclusion = "success"
	CheckFailure CheckConclusion = "failure"
)

// Comment is a pull request comment the platform previously wrote.
type Comment struct {
	ID   int64
	Body string
}

// Bot is the exclusive handle for provider write operations. Holding it
// guarantees no other goroutine is writing checks or comments.
type Bot struct {
	client *Client
}

// AllocateBot blocks until the write lock is available.
func (c *Client) AllocateBot() *Bot {
	c.botMu.Lock()
	return &Bot{client: c}
}

// Release gives up the write lock. The Bot must not be used afterwards.
func (b *Bot) Release() {
	b.client.botMu.Unlock()
}

// UpsertPullCheck creates or updates the named check run on a commit.
func (b *Bot) UpsertPullCheck(ctx context.Context, repoID int64, sha, checkName string, status CheckStatus, conclusion *CheckConclusion) error {
	rest, err := b.client.rest(ctx, repoID)
	if err != nil {
		return err
	}
	owner, name, err := b.client.ownerAndName(ctx, repoID)
	if err != nil {
		return err
	}
	existing, _, err := rest.Checks.ListCheckRunsForRef(ctx, owner, name, sha, &gh.ListCheckRunsOptions{
		CheckName: gh.Ptr(checkName),
	})
	if err != nil {
		return fmt.Errorf("failed to list check runs for %s: %w", sha[:7], err)
	}

	var conclusionStr *string
	if conclusion != nil {
		conclusionStr = gh.Ptr(string(*conclusion))
	}
	if len(existing.CheckRuns) > 0 {
		_, _, err = rest.Checks.UpdateCheckRun(ctx, owner, name, existing.CheckRuns[0].GetID(), gh.UpdateCheckRunOptions{
			Name:       checkName,
			Status:     gh.Ptr(string(status)),
			Conclusion: conclusionStr,
		})
		if err != nil {
			return fmt.Errorf("failed to update check run on %s: %w", sha[:7], err)
		}
		return nil
	}
	_, _, err = rest.Checks.CreateCheckRun(ctx, owner, name, gh.CreateCheckRunOptions{
		Name:       checkName,
		HeadSHA:    sha,
		Status:     gh.Ptr(string(status)),
		Conclusion: conclusionStr,
	})
	if err != nil {
		return fmt.Errorf("failed to create check run on %s: %w", sha[:7], err)
	}
	return nil
}

// ReadPullCommentWithPrefix finds the first comment on a pull whose body
// starts with prefix, used to locate the platform's own status comment.
func (b *Bot) ReadPullCommentWithPrefix(ctx context.Context, repoID int64, pull int, prefix string) (*Comment, error) {
	rest, err := b.client.rest(ctx, repoID)
	if err != nil {
		return nil, err
	}
	owner, name, err := b.client.ownerAndName(ctx, repoID)
	if err != nil {
		return nil, err
	}
	comments, _, err := rest.Issues.ListComments(ctx, owner, name, pull, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments on pull %d: %w", pull, err)
	}
	for _, comment := range comments {
		if body := comment.GetBody(); len(body) >= len(prefix) && body[:len(prefix)] == prefix {
			return &Comment{ID: comment.GetID(), Body: body}, nil
		}
	}
	return nil, nil
}

// CreatePullComment posts a new comment on a pull.
func (b *Bot) CreatePullComment(ctx context.Context, repoID int64, pull int, content string) error {
	rest, err := b.client.rest(ctx, repoID)
	if err != nil {
		return err
	}
	owner, name, err := b.client.ownerAndName(ctx, repoID)
	if err != nil {
		return err
	}
	_, _, err = rest.Issues.CreateComment(ctx, owner, name, pull, &gh.IssueComment{Body: gh.Ptr(content)})
	if err != nil {
		return fmt.Errorf("failed to comment on pull %d: %w", pull, err)
	}
	return nil
}

// UpdatePullComment rewrites an existing comment.
func (b *Bot) UpdatePullComment(ctx context.Context, repoID int64, commentID int64, content string) error {
	rest, err := b.client.rest(ctx, repoID)
	if err != nil {
		return err
	}
	owner, name, err := b.client.ownerAndName(ctx, repoID)
	if err != nil {
		return err
	}
	_, _, err = rest.Issues.EditComment(ctx, owner, name, commentID, &gh.IssueComment{Body: gh.Ptr(content)})
	if err != nil {
		return fmt.Errorf("failed to update comment %d: %w", commentID, err)
	}
	return nil
}
