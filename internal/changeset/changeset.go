// Package changeset implements the Change-Set Provider (§4.E): given a
// review mode, it produces the diff text a reviewer prompt embeds and an
// opaque rollback anchor the same mode can later use to restore the working
// tree. Every operation shells out to "git" via os/exec with cmd.Dir set to
// the project root and combined output folded into the returned error.
package changeset

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Mode is the change-set mode selected by ReviewOptions (§3).
type Mode string

const (
	ModeUncommitted Mode = "uncommitted"
	ModeBase        Mode = "base"
	ModeCommit      Mode = "commit"
	ModeCustom      Mode = "custom"
)

// ChangeSet is the diff text plus rollback anchor produced for one review
// mode invocation (§3).
type ChangeSet struct {
	Mode           Mode
	DiffText       string
	RollbackAnchor *Anchor
}

// Anchor is the opaque token Rollback later consumes. Its shape depends on
// Mode: uncommitted anchors carry three captured blobs (staged diff,
// worktree diff, untracked file list); base/commit anchors carry a single
// sha to reset to.
type Anchor struct {
	Mode Mode

	// Uncommitted-mode fields: see the Open Question decision in DESIGN.md.
	StagedDiff     string
	WorktreeDiff   string
	UntrackedFiles []string

	// Base/commit-mode field: the sha Rollback resets HEAD to.
	Sha string
}

// RollbackResult is Rollback's outcome (§4.E: "reports {success, reason?};
// never fails silently").
type RollbackResult struct {
	Success bool
	Reason  string
}

// Provider produces change sets for one project working tree.
type Provider struct {
	projectPath string
}

// New returns a Provider rooted at projectPath.
func New(projectPath string) *Provider {
	return &Provider{projectPath: projectPath}
}

// Options mirrors the subset of config.ReviewOptions the provider needs,
// kept separate to avoid an import cycle with internal/config.
type Options struct {
	BaseBranch         string
	CommitSHA          string
	CustomInstructions string
}

// Mode returns the change-set mode these options select, matching
// config.ReviewOptions.Mode's precedence.
func (o Options) Mode() Mode {
	switch {
	case o.BaseBranch != "":
		return ModeBase
	case o.CommitSHA != "":
		return ModeCommit
	case o.CustomInstructions != "":
		return ModeCustom
	default:
		return ModeUncommitted
	}
}

// Build produces the ChangeSet for the given options, per §4.E's per-mode
// rules.
func (p *Provider) Build(ctx context.Context, opts Options) (ChangeSet, error) {
	switch opts.Mode() {
	case ModeBase:
		return p.buildBase(ctx, opts.BaseBranch)
	case ModeCommit:
		return p.buildCommit(ctx, opts.CommitSHA)
	case ModeCustom:
		return ChangeSet{Mode: ModeCustom, DiffText: "", RollbackAnchor: nil}, nil
	default:
		return p.buildUncommitted(ctx)
	}
}

func (p *Provider) buildUncommitted(ctx context.Context) (ChangeSet, error) {
	if !p.isWorkingTree(ctx) {
		return ChangeSet{}, fmt.Errorf("changeset: %s is not a source-control working tree", p.projectPath)
	}

	staged, err := p.git(ctx, "diff", "--staged")
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: diff --staged: %w", err)
	}
	worktree, err := p.git(ctx, "diff")
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: diff: %w", err)
	}
	untrackedRaw, err := p.git(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: ls-files: %w", err)
	}
	untracked := splitNonEmptyLines(untrackedRaw)

	if staged == "" && worktree == "" && len(untracked) == 0 {
		return ChangeSet{}, fmt.Errorf("changeset: no uncommitted changes in %s", p.projectPath)
	}

	var diff strings.Builder
	diff.WriteString(staged)
	if staged != "" && worktree != "" {
		diff.WriteString("\n")
	}
	diff.WriteString(worktree)
	if len(untracked) > 0 {
		if diff.Len() > 0 {
			diff.WriteString("\n")
		}
		diff.WriteString("# untracked files:\n")
		for _, f := range untracked {
			diff.WriteString("# " + f + "\n")
		}
	}

	return ChangeSet{
		Mode:     ModeUncommitted,
		DiffText: diff.String(),
		RollbackAnchor: &Anchor{
			Mode:           ModeUncommitted,
			StagedDiff:     staged,
			WorktreeDiff:   worktree,
			UntrackedFiles: untracked,
		},
	}, nil
}

func (p *Provider) buildBase(ctx context.Context, branch string) (ChangeSet, error) {
	head, err := p.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: rev-parse HEAD: %w", err)
	}
	mergeBase, err := p.git(ctx, "merge-base", "HEAD", branch)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: merge-base HEAD %s: %w", branch, err)
	}
	diff, err := p.git(ctx, "diff", mergeBase, "HEAD")
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: diff %s..HEAD: %w", mergeBase, err)
	}

	return ChangeSet{
		Mode:           ModeBase,
		DiffText:       diff,
		RollbackAnchor: &Anchor{Mode: ModeBase, Sha: head},
	}, nil
}

func (p *Provider) buildCommit(ctx context.Context, sha string) (ChangeSet, error) {
	diff, err := p.git(ctx, "show", "--format=", sha)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changeset: show %s: %w", sha, err)
	}
	parent, err := p.git(ctx, "rev-parse", sha+"^")
	var anchor *Anchor
	if err == nil {
		anchor = &Anchor{Mode: ModeCommit, Sha: parent}
	}

	return ChangeSet{
		Mode:           ModeCommit,
		DiffText:       diff,
		RollbackAnchor: anchor,
	}, nil
}

// Rollback restores the working tree to the state captured by anchor. It
// never fails silently: every error path is reflected in RollbackResult.
func (p *Provider) Rollback(ctx context.Context, anchor *Anchor) RollbackResult {
	if anchor == nil {
		return RollbackResult{Success: false, Reason: "rollback unsupported for this mode"}
	}

	switch anchor.Mode {
	case ModeUncommitted:
		return p.rollbackUncommitted(ctx, anchor)
	case ModeBase, ModeCommit:
		if anchor.Sha == "" {
			return RollbackResult{Success: false, Reason: "no anchor sha captured"}
		}
		if _, err := p.git(ctx, "reset", "--hard", anchor.Sha); err != nil {
			return RollbackResult{Success: false, Reason: err.Error()}
		}
		return RollbackResult{Success: true}
	default:
		return RollbackResult{Success: false, Reason: fmt.Sprintf("no rollback strategy for mode %q", anchor.Mode)}
	}
}

// rollbackUncommitted restores the pre-iteration worktree+index from the
// blobs captured by buildUncommitted, per the Open Question decision
// recorded in DESIGN.md: reset to HEAD, re-apply the staged diff to both the
// index and the worktree, then the worktree diff on top of the worktree.
// Untracked files are not touched: their content was never captured, only
// their names, so untracked files the fixer deleted are not recreated and
// untracked files it created are not removed.
func (p *Provider) rollbackUncommitted(ctx context.Context, anchor *Anchor) RollbackResult {
	if _, err := p.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return RollbackResult{Success: false, Reason: fmt.Sprintf("reset --hard HEAD: %v", err)}
	}

	if anchor.StagedDiff != "" {
		if err := p.applyPatch(ctx, anchor.StagedDiff, true); err != nil {
			return RollbackResult{Success: false, Reason: fmt.Sprintf("reapply staged diff: %v", err)}
		}
	}
	if anchor.WorktreeDiff != "" {
		if err := p.applyPatch(ctx, anchor.WorktreeDiff, false); err != nil {
			return RollbackResult{Success: false, Reason: fmt.Sprintf("reapply worktree diff: %v", err)}
		}
	}

	return RollbackResult{Success: true}
}

func (p *Provider) applyPatch(ctx context.Context, patch string, index bool) error {
	args := []string{"apply"}
	if index {
		args = append(args, "--index")
	}
	// p.git trims the trailing newline git prints, but git apply rejects a
	// patch whose last line is unterminated.
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.projectPath
	cmd.Stdin = strings.NewReader(patch)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (p *Provider) isWorkingTree(ctx context.Context) bool {
	_, err := p.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// CurrentBranch returns the project's current branch name, or "" on a
// detached HEAD or any git error.
func (p *Provider) CurrentBranch(ctx context.Context) string {
	out, err := p.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || out == "HEAD" {
		return ""
	}
	return out
}

func (p *Provider) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.projectPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimRight(string(output), "\n"), nil
}

func splitNonEmptyLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
