// Package phase runs the worker, boss, and resolver agent phases of an
// orchestration loop, each as one session against an agent server.
package phase

import (
	"fmt"
	"strings"
)

// bossRubric is the fixed grading instruction appended to the task for
// validator sessions. The VERDICT line is the machine-read part of the
// transcript; everything else is feedback for the next worker pass.
const bossRubric = `You are reviewing another agent's work on the task below. Inspect the
repository state and judge whether the task is genuinely complete:
code written, tests present and plausible, nothing half-finished.

Be specific about anything missing or wrong; your notes are fed back
to the implementing agent verbatim.

End your review with exactly one line:
VERDICT: DONE
if the task is complete, or
VERDICT: NOT DONE
if anything remains.

The task:
`

// workerPrompt builds the executor-phase prompt: the base task plus the
// previous boss feedback when there is any.
func workerPrompt(base, feedback string) string {
	if feedback == "" {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n---\n")
	b.WriteString("A reviewer looked at your previous attempt and left this feedback. Address it:\n\n")
	b.WriteString(feedback)
	return b.String()
}

// bossPrompt builds the validator-phase prompt.
func bossPrompt(base string) string {
	return bossRubric + base
}

// resolverWorkerPrompt asks the worker to resolve an in-progress merge.
func resolverWorkerPrompt(conflicts []string, feedback string) string {
	var b strings.Builder
	b.WriteString("A merge of the main branch into this worktree stopped on conflicts.\n")
	b.WriteString("Resolve every conflict, remove all conflict markers, stage the files,\n")
	b.WriteString("and conclude the merge with a commit.\n\n")
	b.WriteString("Conflicted files:\n")
	for _, path := range conflicts {
		fmt.Fprintf(&b, "  - %s\n", path)
	}
	if feedback != "" {
		b.WriteString("\nA reviewer checked your previous resolution attempt and found problems:\n\n")
		b.WriteString(feedback)
	}
	return b.String()
}

// resolverBossPrompt asks the boss to judge a resolution attempt against
// the observed git state.
func resolverBossPrompt(conflicts []string, porcelain string, markersPresent bool) string {
	var b strings.Builder
	b.WriteString(bossRubric)
	b.WriteString("Judge whether the merge conflicts in this worktree are fully resolved.\n\n")
	b.WriteString("Observed git state:\n")
	if len(conflicts) > 0 {
		b.WriteString("Unmerged paths:\n")
		for _, path := range conflicts {
			fmt.Fprintf(&b, "  - %s\n", path)
		}
	} else {
		b.WriteString("No unmerged paths.\n")
	}
	if porcelain != "" {
		b.WriteString("\ngit status --porcelain:\n")
		b.WriteString(porcelain)
		b.WriteString("\n")
	} else {
		b.WriteString("\nWorking tree status is empty.\n")
	}
	if markersPresent {
		b.WriteString("\nConflict markers are still present in tracked files.\n")
	}
	return b.String()
}
