package container

import (
	"context"
	"fmt"

	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/storage"
	"github.com/prezel/prezel/pkg/types"
)

// checkName is the name of the commit check this platform maintains.
const checkName = "prezel"

// commentPrefix identifies the preview comment so it gets updated in place
// instead of stacking up on every build.
const commentPrefix = "<!-- prezel-preview -->"

// DeploymentHooks observe build lifecycle events. Implementations must not
// block the build longer than their own I/O requires.
type DeploymentHooks interface {
	OnBuildStarted(ctx context.Context)
	OnBuildLog(ctx context.Context, line docker.LogLine)
	OnBuildFinished(ctx context.Context, result types.BuildResult)
}

// NoopHooks discard every event. Used by DB containers, which have no
// deployment row behind them.
type NoopHooks struct{}

func (NoopHooks) OnBuildStarted(context.Context)                     {}
func (NoopHooks) OnBuildLog(context.Context, docker.LogLine)         {}
func (NoopHooks) OnBuildFinished(context.Context, types.BuildResult) {}

// StatusHooks persist build progress and mirror it to the Git provider as
// a commit check plus, for pull requests, a preview-URL comment.
type StatusHooks struct {
	store        storage.Store
	github       *github.Client
	deploymentID string
	repoID       int64
	sha          string

	// branch is empty for default-branch deployments, which get no
	// preview comment
	branch     string
	previewURL string
}

// NewStatusHooks wires hooks for one deployment. branch names the pull
// request head for preview comments, empty for production deployments.
// previewURL is the public URL the comment advertises.
func NewStatusHooks(store storage.Store, gh *github.Client, deploymentID string, repoID int64, sha, branch, previewURL string) *StatusHooks {
	return &StatusHooks{
		store:        store,
		github:       gh,
		deploymentID: deploymentID,
		repoID:       repoID,
		sha:          sha,
		branch:       branch,
		previewURL:   previewURL,
	}
}

func (h *StatusHooks) OnBuildStarted(ctx context.Context) {
	logger := log.WithDeploymentID(h.deploymentID)
	if err := h.store.ClearBuildLogs(h.deploymentID); err != nil {
		logger.Warn().Err(err).Msg("failed to clear build logs")
	}
	if err := h.store.UpdateDeploymentBuildStart(h.deploymentID, types.NowMillis()); err != nil {
		logger.Warn().Err(err).Msg("failed to record build start")
	}
	if err := h.store.ResetDeploymentBuildEnd(h.deploymentID); err != nil {
		logger.Warn().Err(err).Msg("failed to reset build end")
	}
	h.upsertCheck(ctx, github.CheckInProgress, nil)
}

func (h *StatusHooks) OnBuildLog(_ context.Context, line docker.LogLine) {
	if err := h.store.InsertBuildLog(h.deploymentID, line.Content, line.IsError); err != nil {
		logger := log.WithDeploymentID(h.deploymentID)
		logger.Warn().Err(err).Msg("failed to persist build log")
	}
}

func (h *StatusHooks) OnBuildFinished(ctx context.Context, result types.BuildResult) {
	logger := log.WithDeploymentID(h.deploymentID)
	if err := h.store.UpdateDeploymentResult(h.deploymentID, result); err != nil {
		logger.Warn().Err(err).Msg("failed to record build result")
	}
	if err := h.store.UpdateDeploymentBuildEnd(h.deploymentID, types.NowMillis()); err != nil {
		logger.Warn().Err(err).Msg("failed to record build end")
	}

	conclusion := github.CheckSuccess
	if result == types.BuildResultFailed {
		conclusion = github.CheckFailure
	}
	h.upsertCheck(ctx, github.CheckCompleted, &conclusion)

	if h.branch != "" && result == types.BuildResultBuilt {
		h.upsertPreviewComment(ctx)
	}
}

func (h *StatusHooks) upsertCheck(ctx context.Context, status github.CheckStatus, conclusion *github.CheckConclusion) {
	bot := h.github.AllocateBot()
	defer bot.Release()
	if err := bot.UpsertPullCheck(ctx, h.repoID, h.sha, checkName, status, conclusion); err != nil {
		logger := log.WithDeploymentID(h.deploymentID)
		logger.Warn().Err(err).Msg("failed to upsert commit check")
	}
}

func (h *StatusHooks) upsertPreviewComment(ctx context.Context) {
	logger := log.WithDeploymentID(h.deploymentID)

	pulls, err := h.github.OpenPulls(ctx, h.repoID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list open pulls")
		return
	}
	pull := 0
	for _, p := range pulls {
		if p.Branch == h.branch {
			pull = p.Number
			break
		}
	}
	if pull == 0 {
		// branch has no open pull request, nowhere to comment
		return
	}

	content := fmt.Sprintf("%s\n### Preview deployment ready\n\n%s", commentPrefix, h.previewURL)

	bot := h.github.AllocateBot()
	defer bot.Release()
	existing, err := bot.ReadPullCommentWithPrefix(ctx, h.repoID, pull, commentPrefix)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to look up preview comment")
		return
	}
	if existing != nil {
		err = bot.UpdatePullComment(ctx, h.repoID, existing.ID, content)
	} else {
		err = bot.CreatePullComment(ctx, h.repoID, pull, content)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("failed to upsert preview comment")
	}
}
