// Package prompt implements the Prompt Composer (§4.F): a pure function
// from (role, context) to the text piped to an agent on stdin. It follows
// a section-builder shape (base template + "## Change Set" + "## Iteration"
// + the role's "## Findings To Address" or "## Previous Fixer Pass" +
// "## Additional Context" + "## Output Format" instructions) and an
// iteration-history framing, generalized from a four-lens review
// split (security/performance/style/test-coverage) down to three fixed
// roles (reviewer/fixer/simplifier) with a single template per role
// instead of a lens switch.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ralph-review/ralph-review/internal/agent"
	"github.com/ralph-review/ralph-review/internal/changeset"
	"github.com/ralph-review/ralph-review/internal/review"
)

// Context carries everything a role's template needs, per §4.F. It is the
// union of what any of the three roles might consume; a given role ignores
// the fields it has no use for.
type Context struct {
	ChangeSet          changeset.ChangeSet
	Iteration          int
	MaxIterations      int
	PrevReviewSummary  *review.ReviewSummary
	PrevFixSummary     *review.FixSummary
	StopHistory        []bool
	CustomInstructions string
	Tokens             agent.FrameTokens
}

// Compose assembles the prompt text for role given context. It performs no
// I/O and touches no package-level state: calling it twice with identical
// arguments yields identical output.
func Compose(role agent.Role, ctx Context) string {
	var sb strings.Builder

	sb.WriteString(baseTemplate(role))
	sb.WriteString("\n\n")

	writeChangeSetSection(&sb, ctx)
	writeIterationSection(&sb, ctx)

	switch role {
	case agent.RoleFixer:
		writeReviewFindingsSection(&sb, ctx.PrevReviewSummary)
	case agent.RoleReviewer:
		if ctx.PrevFixSummary != nil {
			writePriorFixSection(&sb, ctx.PrevFixSummary)
		}
	}

	if ctx.CustomInstructions != "" {
		sb.WriteString("## Additional Context\n\n")
		sb.WriteString(ctx.CustomInstructions)
		sb.WriteString("\n\n")
	}

	sb.WriteString(outputContract(role, ctx.Tokens))

	return sb.String()
}

func writeChangeSetSection(sb *strings.Builder, ctx Context) {
	sb.WriteString("## Change Set\n\n")
	fmt.Fprintf(sb, "- **Mode**: `%s`\n\n", ctx.ChangeSet.Mode)
	if ctx.ChangeSet.DiffText == "" {
		sb.WriteString("(no diff text for this mode; rely on the additional context below)\n\n")
		return
	}
	sb.WriteString("```diff\n")
	sb.WriteString(ctx.ChangeSet.DiffText)
	sb.WriteString("\n```\n\n")
}

func writeIterationSection(sb *strings.Builder, ctx Context) {
	fmt.Fprintf(sb, "## Iteration\n\n- **Current**: %d\n- **Max**: %d\n", ctx.Iteration, ctx.MaxIterations)
	if len(ctx.StopHistory) > 0 {
		fmt.Fprintf(sb, "- **Stop history**: %v\n", ctx.StopHistory)
	}
	sb.WriteString("\n")
}

func writeReviewFindingsSection(sb *strings.Builder, rs *review.ReviewSummary) {
	sb.WriteString("## Findings To Address\n\n")
	if rs == nil || len(rs.Findings) == 0 {
		sb.WriteString("(no findings were reported; if you believe there is nothing to do, report an empty fixes/skipped list)\n\n")
		return
	}
	fmt.Fprintf(sb, "The reviewer's decision was `%s`.\n\n", rs.Decision)
	for _, f := range rs.Findings {
		fmt.Fprintf(sb, "- **#%d** [%s] `%s`: %s\n  - claim: %s\n  - evidence: %s\n  - suggestion: %s\n",
			f.ID, f.Priority, f.File, f.Title, f.Claim, f.Evidence, f.Suggestion)
	}
	sb.WriteString("\nYou MUST only reference finding ids from this list in your reply.\n\n")
}

func writePriorFixSection(sb *strings.Builder, fs *review.FixSummary) {
	sb.WriteString("## Previous Fixer Pass\n\n")
	fmt.Fprintf(sb, "Applied %d fix(es), skipped %d finding(s).\n\n", len(fs.Fixes), len(fs.Skipped))
}

func baseTemplate(role agent.Role) string {
	switch role {
	case agent.RoleReviewer:
		return reviewerTemplate
	case agent.RoleFixer:
		return fixerTemplate
	case agent.RoleSimplifier:
		return simplifierTemplate
	default:
		return reviewerTemplate
	}
}

const reviewerTemplate = `# Reviewer Agent

You are reviewing a scoped change set in a local source tree. Your mission
is to surface concrete, actionable findings about the changed code -- not
to restate what the diff already shows, but to identify bugs, missed edge
cases, inconsistencies with the surrounding code, and risky simplifications
an engineer would want addressed before the change ships.

## Instructions

1. Read the change set below; consider how it interacts with the rest of
   the tree, not just the lines that changed.
2. Report every finding worth a human's attention, each with a concrete
   file, a specific claim, the evidence for that claim, and a suggestion.
3. Decide an overall disposition: NO_CHANGES_NEEDED, APPLY_SELECTIVELY,
   APPLY_MOST, or APPLY_ALL.
4. Set stop_iteration to true only when no further review/fix cycle would
   improve this change set -- not merely because this pass found nothing.`

const fixerTemplate = `# Fixer Agent

You are applying fixes for a set of reviewer-reported findings against a
local source tree. Your mission is to address as many findings as the
reviewer's decision calls for, report exactly what you changed, and skip
(with a reason) anything you judge unsafe or out of scope.

## Instructions

1. Address each finding listed below consistent with the reviewer's
   decision.
2. For every finding, report either a fix (what you changed and why it
   resolves the claim) or a skip (with a concrete reason).
3. Reference only finding ids that appear in the list below.
4. Set stop_iteration to true only when you believe no further review/fix
   cycle is needed.`

const simplifierTemplate = `# Simplifier Agent

You are running a pre-pass over the current change set before the
reviewer sees it. Your mission is narrow: collapse accidental complexity
(duplicate logic, premature abstraction, dead code introduced by the
change) without altering behavior, so the reviewer spends its attention on
substance instead of style.

## Instructions

1. Simplify only what you can justify preserves behavior.
2. Report your changes the same way a fixer would: a fix list with no
   corresponding reviewer findings (skipped may be empty).
3. Set stop_iteration to true once the change set has nothing further to
   simplify.`

// outputContract renders the structured-output contract shared by every
// role: the reply must be wrapped in the role's START_TOKEN/END_TOKEN pair
// and conform to the role's JSON schema, per §4.F.
func outputContract(role agent.Role, tokens agent.FrameTokens) string {
	schema := reviewSchema
	if role == agent.RoleFixer || role == agent.RoleSimplifier {
		schema = fixSchema
	}

	return fmt.Sprintf(`## Output Format

You MUST wrap your entire structured reply between %s and %s. Nothing
outside those markers is read. The JSON between them MUST conform exactly
to this shape:

`+"```json\n%s\n```\n", tokens.Start, tokens.End, schema)
}

const reviewSchema = `{
  "decision": "NO_CHANGES_NEEDED | APPLY_SELECTIVELY | APPLY_MOST | APPLY_ALL",
  "stop_iteration": true,
  "findings": [
    {
      "id": 1,
      "title": "string",
      "priority": "P0 | P1 | P2 | P3",
      "file": "path/to/file",
      "claim": "what is wrong",
      "evidence": "why it is wrong",
      "suggestion": "how to fix it"
    }
  ]
}`

const fixSchema = `{
  "decision": "NO_CHANGES_NEEDED | APPLY_SELECTIVELY | APPLY_MOST | APPLY_ALL",
  "stop_iteration": true,
  "fixes": [
    {
      "id": 1,
      "title": "string",
      "priority": "P0 | P1 | P2 | P3",
      "file": "path/to/file",
      "claim": "string",
      "evidence": "string",
      "fix": "what was changed"
    }
  ],
  "skipped": [
    {
      "id": 2,
      "title": "string",
      "priority": "P0 | P1 | P2 | P3",
      "reason": "why this was not addressed"
    }
  ]
}`
