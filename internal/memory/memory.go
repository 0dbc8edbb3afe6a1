// Package memory implements the 3-file project memory: a durable,
// human-readable, append-friendly record of each project held as
// FULL.md, CRITERIA.md, and CHANGELOG.md.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/observability"
	"github.com/fleetlabs/orchestrator/internal/searchindex"
)

// FileKind is the closed set of the three per-project documents.
type FileKind string

const (
	KindFull      FileKind = "Full"
	KindCriteria  FileKind = "Criteria"
	KindChangelog FileKind = "Changelog"
)

// ChangeCategory is the closed set a CHANGELOG entry is classified
// into. A free-form entry is classified by the first matching verb
// heuristic; if none match, it is recorded as Note.
type ChangeCategory string

const (
	CategoryAdded   ChangeCategory = "Added"
	CategoryChanged ChangeCategory = "Changed"
	CategoryFixed   ChangeCategory = "Fixed"
	CategoryRemoved ChangeCategory = "Removed"
	CategoryNote    ChangeCategory = "Note"
)

var categoryVerbs = []struct {
	category ChangeCategory
	verbs    []string
}{
	{CategoryAdded, []string{"add", "added", "adds", "introduce", "introduced"}},
	{CategoryFixed, []string{"fix", "fixed", "fixes", "resolve", "resolved"}},
	{CategoryRemoved, []string{"remove", "removed", "removes", "delete", "deleted", "drop", "dropped"}},
	{CategoryChanged, []string{"change", "changed", "changes", "update", "updated", "rename", "renamed"}},
}

// Classify applies the first-matching-verb heuristic to a free-form
// entry, falling back to Note.
func Classify(entry string) ChangeCategory {
	firstWord := firstWord(entry)
	for _, c := range categoryVerbs {
		for _, v := range c.verbs {
			if firstWord == v {
				return c.category
			}
		}
	}
	return CategoryNote
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			return toLower(s[:i])
		}
	}
	return toLower(s)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Memory is the project memory facade.
type Memory struct {
	dataDir string
	index   *searchindex.Index
	metrics *observability.MetricsCollector
	logger  observability.Logger

	locks sync.Map // project -> *sync.Mutex, per-project write serialization
}

func New(dataDir string, index *searchindex.Index, metrics *observability.MetricsCollector, logger observability.Logger) *Memory {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}
	return &Memory{dataDir: dataDir, index: index, metrics: metrics, logger: logger}
}

func (m *Memory) lockFor(project string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(project, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *Memory) projectDir(project string) string {
	return filepath.Join(m.dataDir, project)
}

func (m *Memory) path(project string, kind FileKind) string {
	switch kind {
	case KindFull:
		return filepath.Join(m.projectDir(project), "FULL.md")
	case KindCriteria:
		return filepath.Join(m.projectDir(project), "CRITERIA.md")
	default:
		return filepath.Join(m.projectDir(project), "CHANGELOG.md")
	}
}

// Exists reports whether a project's memory triple has been
// initialized.
func (m *Memory) Exists(project string) bool {
	_, err := os.Stat(m.path(project, KindFull))
	return err == nil
}

// Ping verifies the data directory is reachable and writable, for use
// by the HTTP API's /health and /readyz checks.
func (m *Memory) Ping(ctx context.Context) error {
	probe := filepath.Join(m.dataDir, ".ping")
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return ferrors.Wrap("memory", "Ping", err)
	}
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return ferrors.Wrap("memory", "Ping", err)
	}
	return os.Remove(probe)
}

// InitializeProject creates the triple with empty-but-well-formed
// content. Fails with AlreadyExists if any of the three already
// exists.
func (m *Memory) InitializeProject(ctx context.Context, project string, metadata map[string]string) error {
	lock := m.lockFor(project)
	lock.Lock()
	defer lock.Unlock()

	dir := m.projectDir(project)
	for _, kind := range []FileKind{KindFull, KindCriteria, KindChangelog} {
		if _, err := os.Stat(m.path(project, kind)); err == nil {
			return ferrors.Wrap("memory", "InitializeProject", ferrors.ErrAlreadyExists)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.Wrap("memory", "InitializeProject", err)
	}

	fullDoc := &frontMatterDoc{Meta: metadata, Sections: map[string]string{"Overview": ""}}
	criteriaDoc := &frontMatterDoc{Meta: metadata, Sections: map[string]string{"Criteria": ""}}

	if err := writeFrontMatterDoc(m.path(project, KindFull), fullDoc); err != nil {
		return ferrors.Wrap("memory", "InitializeProject", err)
	}
	if err := writeFrontMatterDoc(m.path(project, KindCriteria), criteriaDoc); err != nil {
		return ferrors.Wrap("memory", "InitializeProject", err)
	}
	if err := os.WriteFile(m.path(project, KindChangelog), []byte{}, 0o644); err != nil {
		return ferrors.Wrap("memory", "InitializeProject", err)
	}

	return m.reindex(ctx, project)
}

// ReadSection returns the text of a named section; it never returns
// full files.
func (m *Memory) ReadSection(ctx context.Context, project string, kind FileKind, section string) (string, error) {
	if kind == KindChangelog {
		return "", ferrors.Wrap("memory", "ReadSection", ferrors.ErrInvalidInput)
	}
	doc, err := readFrontMatterDoc(m.path(project, kind))
	if err != nil {
		return "", ferrors.Wrap("memory", "ReadSection", err)
	}
	text, ok := doc.Sections[section]
	if !ok {
		return "", ferrors.Wrap("memory", "ReadSection", ferrors.ErrNotFound)
	}
	return text, nil
}

// AppendChange appends one entry to CHANGELOG, chronologically, and
// is guaranteed never to rewrite earlier content.
func (m *Memory) AppendChange(ctx context.Context, project string, category ChangeCategory, entry string) error {
	lock := m.lockFor(project)
	lock.Lock()
	defer lock.Unlock()
	return m.appendChangeLocked(ctx, project, category, entry)
}

// appendChangeLocked must be called with the project's lock held.
func (m *Memory) appendChangeLocked(ctx context.Context, project string, category ChangeCategory, entry string) error {
	f, err := os.OpenFile(m.path(project, KindChangelog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ferrors.Wrap("memory", "AppendChange", err)
	}
	defer f.Close()

	block := fmt.Sprintf("## %s\n\n- **%s**: %s\n\n", time.Now().UTC().Format(time.RFC3339), category, entry)
	if _, err := f.WriteString(block); err != nil {
		return ferrors.Wrap("memory", "AppendChange", err)
	}

	if m.metrics != nil {
		m.metrics.RecordMemoryWrite(string(category))
	}
	return m.reindex(ctx, project)
}

// ReplaceSection atomically replaces a named section in FULL or
// CRITERIA and also appends a categorized CHANGELOG summary.
func (m *Memory) ReplaceSection(ctx context.Context, project string, kind FileKind, section, text string) error {
	if kind == KindChangelog {
		return ferrors.Wrap("memory", "ReplaceSection", ferrors.ErrInvalidInput)
	}

	lock := m.lockFor(project)
	lock.Lock()
	defer lock.Unlock()

	path := m.path(project, kind)
	doc, err := readFrontMatterDoc(path)
	if err != nil {
		return ferrors.Wrap("memory", "ReplaceSection", err)
	}
	doc.Sections[section] = text
	if err := writeFrontMatterDoc(path, doc); err != nil {
		return ferrors.Wrap("memory", "ReplaceSection", err)
	}

	summary := fmt.Sprintf("replaced section %q in %s", section, kind)
	if err := m.appendChangeLocked(ctx, project, Classify(summary), summary); err != nil {
		return err
	}

	return m.reindex(ctx, project)
}

// RelevantContext returns a token-bounded subset of the three files'
// content relevant to query, via the Search Index.
func (m *Memory) RelevantContext(ctx context.Context, project, query string, budgetTokens int) (string, error) {
	hits, err := m.index.Search(ctx, query, []searchindex.SourceKind{searchindex.SourceMemory}, searchindex.Filters{Project: project}, 0)
	if err != nil {
		return "", ferrors.Wrap("memory", "RelevantContext", err)
	}

	var out []byte
	tokens := 0
	for _, hit := range hits {
		if tokens >= budgetTokens {
			break
		}
		doc, err := m.index.Get(ctx, hit.ID)
		if err != nil {
			continue
		}
		body := doc.Body
		approxTokens := len(body) / 4
		if tokens+approxTokens > budgetTokens {
			remaining := (budgetTokens - tokens) * 4
			if remaining > len(body) {
				remaining = len(body)
			}
			body = body[:remaining]
		}
		out = append(out, []byte(body)...)
		out = append(out, '\n')
		tokens += len(body) / 4
	}
	return string(out), nil
}

// reindex re-indexes all three files of a project into the Search
// Index so no mutation is visible to readers until indexed, per the
// spec's invariant.
func (m *Memory) reindex(ctx context.Context, project string) error {
	if m.index == nil {
		return nil
	}
	for _, kind := range []FileKind{KindFull, KindCriteria, KindChangelog} {
		body, err := os.ReadFile(m.path(project, kind))
		if err != nil {
			continue
		}
		doc := &searchindex.Document{
			ID:         project + ":" + string(kind),
			Source:     searchindex.SourceMemory,
			Project:    project,
			Kind:       string(kind),
			Body:       string(body),
			ModifiedAt: time.Now(),
		}
		if _, err := m.index.Index(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}
