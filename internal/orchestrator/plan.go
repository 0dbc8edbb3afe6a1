package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fleetlabs/orchestrator/internal/ids"
	"github.com/fleetlabs/orchestrator/internal/router"
)

// aggregationBatchSize bounds how many leaves one intermediate
// aggregation subtask summarizes, at the Deep tier's two-level plan.
const aggregationBatchSize = 4

// Plan produces an ordered, acyclic list of subtasks for task given
// its already-computed complexity. It is a pure function of
// (task.Description, task.StructuredInputs, complexity): identical
// inputs always produce an identically-shaped plan (subtask IDs are
// freshly minted per call, but count, dependency structure, and
// descriptions are deterministic).
func Plan(task *Task, complexity float64) ([]*Subtask, error) {
	segments := splitIntoSegments(task.Description)

	switch {
	case complexity < 0.25:
		return planSingle(task, segments), nil
	case complexity <= 0.7:
		return planShallow(task, segments), nil
	default:
		return planDeep(task, segments), nil
	}
}

func planSingle(task *Task, segments []string) []*Subtask {
	leaf := newLeafSubtask(task.ID, task.Description, nil)
	leaf.Strategy = router.SelectStrategy(task.complexity, false)
	return []*Subtask{leaf}
}

// planShallow builds up to 4 parallel leaves plus one aggregation
// subtask depending on all of them, for the 0.25-0.7 complexity band.
func planShallow(task *Task, segments []string) []*Subtask {
	leaves := buildLeaves(task, segments, 4)
	agg := newAggregationSubtask(task.ID, leafIDs(leaves), 1)
	return append(leaves, agg)
}

// planDeep builds up to 16 parallel leaves, grouped into batches of
// aggregationBatchSize with one intermediate aggregation subtask per
// batch, then a single final aggregation subtask over the
// intermediates, for the >0.7 complexity band.
func planDeep(task *Task, segments []string) []*Subtask {
	leaves := buildLeaves(task, segments, 16)

	var all []*Subtask
	var intermediateIDs []string
	for i := 0; i < len(leaves); i += aggregationBatchSize {
		end := i + aggregationBatchSize
		if end > len(leaves) {
			end = len(leaves)
		}
		batch := leaves[i:end]
		all = append(all, batch...)
		intermediate := newAggregationSubtask(task.ID, leafIDs(batch), 1)
		all = append(all, intermediate)
		intermediateIDs = append(intermediateIDs, intermediate.ID)
	}

	final := newAggregationSubtask(task.ID, intermediateIDs, 2)
	all = append(all, final)
	return all
}

func buildLeaves(task *Task, segments []string, max int) []*Subtask {
	count := len(segments)
	if count == 0 {
		count = 1
	}
	if count > max {
		count = max
	}

	leaves := make([]*Subtask, 0, count)
	for i := 0; i < count; i++ {
		desc := task.Description
		if i < len(segments) {
			desc = segments[i]
		}
		leaf := newLeafSubtask(task.ID, desc, nil)
		leaf.Strategy = router.SelectStrategy(task.complexity, false)
		leaves = append(leaves, leaf)
	}
	return leaves
}

func newLeafSubtask(taskID, description string, deps []string) *Subtask {
	return &Subtask{
		ID:           ids.New(),
		ParentTaskID: taskID,
		Description:  description,
		Dependencies: deps,
		status:       SubtaskPending,
	}
}

func newAggregationSubtask(taskID string, deps []string, level int) *Subtask {
	return &Subtask{
		ID:            ids.New(),
		ParentTaskID:  taskID,
		Description:   fmt.Sprintf("aggregate %d child outputs", len(deps)),
		Dependencies:  deps,
		IsAggregation: true,
		Level:         level,
		Strategy:      router.Aggregate,
		status:        SubtaskPending,
	}
}

func leafIDs(subtasks []*Subtask) []string {
	out := make([]string, len(subtasks))
	for i, s := range subtasks {
		out[i] = s.ID
	}
	return out
}

// splitIntoSegments deterministically breaks a description into
// candidate parallel-work segments: numbered list items if present,
// else connective-phrase-delimited clauses, else sentence boundaries.
func splitIntoSegments(description string) []string {
	if items := splitNumberedList(description); len(items) > 1 {
		return items
	}
	if clauses := splitOnConnectives(description); len(clauses) > 1 {
		return clauses
	}
	return splitOnSentences(description)
}

func splitNumberedList(description string) []string {
	var items []string
	lines := strings.Split(description, "\n")
	var current strings.Builder
	inItem := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isListMarker(trimmed) {
			if inItem {
				items = append(items, strings.TrimSpace(current.String()))
				current.Reset()
			}
			inItem = true
		}
		if inItem {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(trimmed)
		}
	}
	if inItem {
		items = append(items, strings.TrimSpace(current.String()))
	}
	return items
}

func isListMarker(line string) bool {
	if len(line) < 2 {
		return false
	}
	return line[0] >= '1' && line[0] <= '9' && (line[1] == '.' || line[1] == ')')
}

func splitOnConnectives(description string) []string {
	lower := strings.ToLower(description)
	cut := lower
	var pieces []string
	start := 0
	for {
		idx := indexAny(cut[start:], connectivePhrases)
		if idx < 0 {
			pieces = append(pieces, strings.TrimSpace(description[start:]))
			break
		}
		pieces = append(pieces, strings.TrimSpace(description[start:start+idx]))
		phraseLen := matchedPhraseLength(cut[start+idx:], connectivePhrases)
		start = start + idx + phraseLen
	}
	return nonEmpty(pieces)
}

func indexAny(s string, phrases []string) int {
	best := -1
	for _, p := range phrases {
		if i := strings.Index(s, p); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func matchedPhraseLength(s string, phrases []string) int {
	for _, p := range phrases {
		if strings.HasPrefix(s, p) {
			return len(p)
		}
	}
	return 1
}

func splitOnSentences(description string) []string {
	var pieces []string
	var current strings.Builder
	for _, r := range description {
		current.WriteRune(r)
		if r == '.' || r == '\n' {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(current.String()))
	}
	return nonEmpty(pieces)
}

func nonEmpty(pieces []string) []string {
	out := pieces[:0]
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
