package memory

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/searchindex"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	dir, err := os.MkdirTemp("", "memory-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	idxDir, err := os.MkdirTemp("", "memory-test-index-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(idxDir) })

	store, err := searchindex.NewMemoryStore(idxDir)
	require.NoError(t, err)
	idx := searchindex.New(store, nil, nil)

	return New(dir, idx, nil, nil)
}

func TestInitializeProjectCreatesTriple(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.InitializeProject(ctx, "proj1", map[string]string{"owner": "team-a"}))

	_, err := os.Stat(m.path("proj1", KindFull))
	assert.NoError(t, err)
	_, err = os.Stat(m.path("proj1", KindCriteria))
	assert.NoError(t, err)
	_, err = os.Stat(m.path("proj1", KindChangelog))
	assert.NoError(t, err)
}

func TestInitializeProjectFailsIfAlreadyExists(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.InitializeProject(ctx, "proj1", nil))
	err := m.InitializeProject(ctx, "proj1", nil)
	assert.ErrorIs(t, err, ferrors.ErrAlreadyExists)
}

func TestReplaceSectionAndReadSection(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	require.NoError(t, m.InitializeProject(ctx, "proj1", nil))

	require.NoError(t, m.ReplaceSection(ctx, "proj1", KindFull, "Overview", "this project orchestrates a fleet"))

	text, err := m.ReadSection(ctx, "proj1", KindFull, "Overview")
	require.NoError(t, err)
	assert.Equal(t, "this project orchestrates a fleet", text)
}

func TestReplaceSectionAppendsChangelogSummary(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	require.NoError(t, m.InitializeProject(ctx, "proj1", nil))
	require.NoError(t, m.ReplaceSection(ctx, "proj1", KindFull, "Overview", "updated text"))

	b, err := os.ReadFile(m.path("proj1", KindChangelog))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Overview")
}

func TestAppendChangeNeverRewritesEarlierContent(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	require.NoError(t, m.InitializeProject(ctx, "proj1", nil))

	require.NoError(t, m.AppendChange(ctx, "proj1", CategoryAdded, "added the router module"))
	before, err := os.ReadFile(m.path("proj1", KindChangelog))
	require.NoError(t, err)

	require.NoError(t, m.AppendChange(ctx, "proj1", CategoryFixed, "fixed a race in the fleet pool"))
	after, err := os.ReadFile(m.path("proj1", KindChangelog))
	require.NoError(t, err)

	assert.True(t, len(after) > len(before))
	assert.Contains(t, string(after), string(before))
}

func TestReplaceSectionRejectsChangelog(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	require.NoError(t, m.InitializeProject(ctx, "proj1", nil))

	err := m.ReplaceSection(ctx, "proj1", KindChangelog, "anything", "text")
	assert.ErrorIs(t, err, ferrors.ErrInvalidInput)
}

func TestClassifyPicksFirstMatchingVerb(t *testing.T) {
	assert.Equal(t, CategoryAdded, Classify("added a new provider"))
	assert.Equal(t, CategoryFixed, Classify("fixed the retry backoff"))
	assert.Equal(t, CategoryRemoved, Classify("removed the dead code path"))
	assert.Equal(t, CategoryNote, Classify("a general remark about the system"))
}

func TestRelevantContextRespectsBudget(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	require.NoError(t, m.InitializeProject(ctx, "proj1", nil))
	require.NoError(t, m.ReplaceSection(ctx, "proj1", KindFull, "Overview", "the fleet orchestrator routes tasks across many different workers and providers"))

	unbounded, err := m.RelevantContext(ctx, "proj1", "fleet orchestrator", 1000)
	require.NoError(t, err)

	bounded, err := m.RelevantContext(ctx, "proj1", "fleet orchestrator", 2)
	require.NoError(t, err)

	assert.Less(t, len(bounded), len(unbounded))
}
