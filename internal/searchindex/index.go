package searchindex

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/observability"
)

const recencyHalfLife = 30 * 24 * time.Hour

// Direction is the edge direction Neighbors walks.
type Direction string

const (
	Dependencies Direction = "Dependencies"
	Dependents   Direction = "Dependents"
)

// Index is the unified search index facade composing the inverted
// term index, the structural index, and the metadata facet index over
// one document store. Writes are serialized per-document; reads never
// block writes or each other.
type Index struct {
	store      DocumentStore
	inverted   *invertedIndex
	structural *structuralIndex
	metadata   *metadataIndex
	metrics    *observability.MetricsCollector
	logger     observability.Logger

	fingerprints sync.Map // docID -> Fingerprint, for Fingerprint()
	fastPath     *bloom.BloomFilter

	writeLocks sync.Map // docID -> *sync.Mutex, per-document write serialization
}

func New(store DocumentStore, metrics *observability.MetricsCollector, logger observability.Logger) *Index {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}
	idx := &Index{
		store:      store,
		inverted:   newInvertedIndex(),
		structural: newStructuralIndex(),
		metadata:   newMetadataIndex(),
		metrics:    metrics,
		logger:     logger,
		fastPath:   bloom.NewWithEstimates(1_000_000, 0.01),
	}
	if docs, err := store.All(context.Background()); err == nil {
		for _, d := range docs {
			fp := fingerprintOf(d)
			idx.inverted.add(d.ID, tokenize(d.Body))
			if d.Source == SourceFiles {
				idx.structural.add(d.ID, d.Body)
			}
			idx.metadata.add(d)
			idx.fastPath.AddString(d.ID + ":" + string(fp))
			idx.fingerprints.Store(d.ID, fp)
		}
	}
	return idx
}

func (idx *Index) lockFor(docID string) *sync.Mutex {
	l, _ := idx.writeLocks.LoadOrStore(docID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Index inserts or updates a document, returning its fingerprint.
// Idempotent: a repeat call with unchanged content is a fast no-op
// detected via a bloom-filter pre-check before touching any secondary
// index, falling back to an authoritative fingerprint comparison on a
// possible hit (the bloom filter can false-positive, never
// false-negative).
func (idx *Index) Index(ctx context.Context, d *Document) (Fingerprint, error) {
	start := time.Now()
	lock := idx.lockFor(d.ID)
	lock.Lock()
	defer lock.Unlock()

	fp := fingerprintOf(d)
	key := d.ID + ":" + string(fp)

	if idx.fastPath.TestString(key) {
		if existing, ok := idx.fingerprints.Load(d.ID); ok && existing.(Fingerprint) == fp {
			return fp, nil
		}
	}

	if err := idx.store.Put(ctx, d); err != nil {
		return "", ferrors.Wrap("searchindex", "Index", err)
	}

	tokens := tokenize(d.Body)
	idx.inverted.add(d.ID, tokens)
	if d.Source == SourceFiles {
		idx.structural.add(d.ID, d.Body)
	}
	idx.metadata.add(d)

	idx.fastPath.AddString(key)
	idx.fingerprints.Store(d.ID, fp)

	if idx.metrics != nil {
		docs, _ := idx.store.All(ctx)
		idx.metrics.RecordIndexWrite(time.Since(start), len(docs))
	}
	idx.logger.Debug("index write", observability.String("doc_id", d.ID), observability.String("fingerprint", string(fp)))

	return fp, nil
}

// Unindex removes a document and its outgoing edges from every
// secondary index.
func (idx *Index) Unindex(ctx context.Context, id string) error {
	lock := idx.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := idx.store.Delete(ctx, id); err != nil {
		return ferrors.Wrap("searchindex", "Unindex", err)
	}
	idx.inverted.Remove(id)
	idx.structural.Remove(id)
	idx.metadata.Remove(id)
	idx.fingerprints.Delete(id)
	return nil
}

// Get returns the stored document for id, or NotFound.
func (idx *Index) Get(ctx context.Context, id string) (*Document, error) {
	d, err := idx.store.Get(ctx, id)
	if err != nil {
		return nil, ferrors.Wrap("searchindex", "Get", err)
	}
	return d, nil
}

// Fingerprint returns the current fingerprint of a document, or
// NotFound.
func (idx *Index) Fingerprint(ctx context.Context, id string) (Fingerprint, error) {
	v, ok := idx.fingerprints.Load(id)
	if !ok {
		return "", ferrors.Wrap("searchindex", "Fingerprint", ferrors.ErrNotFound)
	}
	return v.(Fingerprint), nil
}

// Search ranks documents by a weighted sum of term-match (BM25),
// recency boost (half-life 30 days), and source-kind priority.
func (idx *Index) Search(ctx context.Context, query string, sources []SourceKind, filters Filters, limit int) ([]Hit, error) {
	tokens := tokenize(query)
	termScores := idx.inverted.score(tokens)

	sourceSet := make(map[SourceKind]struct{}, len(sources))
	for _, s := range sources {
		sourceSet[s] = struct{}{}
	}

	now := time.Now()
	var hits []Hit
	for docID, termScore := range termScores {
		d, err := idx.store.Get(ctx, docID)
		if err != nil {
			continue
		}
		if len(sourceSet) > 0 {
			if _, ok := sourceSet[d.Source]; !ok {
				continue
			}
		}
		if !filters.matches(d) {
			continue
		}

		age := now.Sub(d.ModifiedAt)
		recency := math.Exp(-math.Ln2 * age.Hours() / recencyHalfLife.Hours())
		score := termScore + recency + float64(d.Source.priority())

		hits = append(hits, Hit{ID: docID, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Ping exercises the underlying document store directly, for use by
// the HTTP API's /health and /readyz checks. Search alone cannot serve this purpose: an empty
// query tokenizes to nothing, so it never reaches idx.store at all.
func (idx *Index) Ping(ctx context.Context) error {
	if _, err := idx.store.All(ctx); err != nil {
		return ferrors.Wrap("searchindex", "Ping", err)
	}
	return nil
}

// Neighbors walks Dependencies (imports) or Dependents (importers) of
// a document's structural facts, breadth-first to depth, terminating
// gracefully on cycles.
func (idx *Index) Neighbors(ctx context.Context, id string, direction Direction, depth int) ([]string, error) {
	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var result []string

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, current := range frontier {
			doc, err := idx.store.Get(ctx, current)
			if err != nil {
				continue
			}

			var candidates []string
			switch direction {
			case Dependencies:
				for _, imp := range doc.ImportsOf {
					candidates = append(candidates, idx.structural.docsDefining(imp)...)
				}
			case Dependents:
				for _, sym := range doc.SymbolNames {
					candidates = append(candidates, idx.structural.docsImporting(sym)...)
				}
			}

			for _, c := range candidates {
				if _, seen := visited[c]; seen {
					continue
				}
				visited[c] = struct{}{}
				result = append(result, c)
				next = append(next, c)
			}
		}
		frontier = next
	}
	return result, nil
}
