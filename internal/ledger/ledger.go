// Package ledger implements the tamper-evident audit ledger: a
// hash-chained, append-only, totally ordered record of every
// orchestrator decision, worker execution, and memory write.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/observability"
)

// RecordKind is the closed set of ledger record kinds.
type RecordKind string

const (
	KindOrchestratorDecision RecordKind = "OrchestratorDecision"
	KindWorkerExecution      RecordKind = "WorkerExecution"
	KindMemoryWrite          RecordKind = "MemoryWrite"
)

// Record is one immutable, hash-chained entry. ID is the content hash
// of PrevID plus every other field, so ID = H(PrevID ∥ fields).
type Record struct {
	ID          string     `json:"id"`
	PrevID      string     `json:"prev_id"`
	Kind        RecordKind `json:"kind"`
	TaskID      string     `json:"task_id"`
	Timestamp   time.Time  `json:"timestamp"`
	InputsDigest  string   `json:"inputs_digest"`
	OutputsDigest string   `json:"outputs_digest"`
	ActorID     string     `json:"actor_id"`
}

// fields returns the canonical byte representation of every record
// field except ID, used as chain-hash input alongside PrevID.
func (r *Record) fields() []byte {
	b, _ := json.Marshal(struct {
		PrevID        string     `json:"prev_id"`
		Kind          RecordKind `json:"kind"`
		TaskID        string     `json:"task_id"`
		Timestamp     time.Time  `json:"timestamp"`
		InputsDigest  string     `json:"inputs_digest"`
		OutputsDigest string     `json:"outputs_digest"`
		ActorID       string     `json:"actor_id"`
	}{r.PrevID, r.Kind, r.TaskID, r.Timestamp, r.InputsDigest, r.OutputsDigest, r.ActorID})
	return b
}

func computeID(prevID string, r *Record) string {
	h := sha256.New()
	h.Write([]byte(prevID))
	h.Write(r.fields())
	return hex.EncodeToString(h.Sum(nil))
}

// Digest hashes an arbitrary input/output payload for use as a
// record's InputsDigest/OutputsDigest.
func Digest(v interface{}) string {
	b, _ := json.Marshal(v)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Store persists records in insertion order with random-access
// retrieval by id, and a transactionally-updated head pointer.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Head(ctx context.Context) (string, error)
	Range(ctx context.Context, fromID, toID string) ([]*Record, error)
	Size(ctx context.Context) (int, error)
	Close() error
}

// Ledger is the public audit ledger facade.
type Ledger struct {
	store     Store
	genesisID string
	metrics   *observability.MetricsCollector
	logger    observability.Logger
	stream    *KafkaStream // optional, publish-only external consumer feed

	mu sync.Mutex // serializes Append: chain mutation must be linearized
}

func New(store Store, genesisID string, metrics *observability.MetricsCollector, logger observability.Logger) *Ledger {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}
	return &Ledger{store: store, genesisID: genesisID, metrics: metrics, logger: logger}
}

// WithStream attaches an optional Kafka publish stream. Every record
// appended after this call is mirrored to the stream as a best-effort
// side effect; a publish failure never fails or blocks Append.
func (l *Ledger) WithStream(stream *KafkaStream) *Ledger {
	l.stream = stream
	return l
}

// Append computes record_id as H(head ∥ fields) and stores the
// record, advancing the head. Fails with LedgerIntegrity if the
// caller-supplied expectedPrevID disagrees with the stored head,
// preventing a stale writer from forking the chain.
func (l *Ledger) Append(ctx context.Context, kind RecordKind, taskID, actorID string, inputs, outputs interface{}, expectedPrevID string) (*Record, error) {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.store.Head(ctx)
	if err != nil {
		return nil, ferrors.Wrap("ledger", "Append", err)
	}
	if head == "" {
		head = l.genesisID
	}
	if expectedPrevID != "" && expectedPrevID != head {
		return nil, ferrors.Wrap("ledger", "Append", ferrors.ErrLedgerIntegrity)
	}

	rec := &Record{
		PrevID:        head,
		Kind:          kind,
		TaskID:        taskID,
		Timestamp:     time.Now().UTC(),
		InputsDigest:  Digest(inputs),
		OutputsDigest: Digest(outputs),
		ActorID:       actorID,
	}
	rec.ID = computeID(head, rec)

	if err := l.store.Append(ctx, rec); err != nil {
		return nil, ferrors.Wrap("ledger", "Append", err)
	}

	if l.metrics != nil {
		size, _ := l.store.Size(ctx)
		l.metrics.RecordLedgerAppend(time.Since(start), size)
	}
	l.logger.Debug("ledger append", observability.String("record_id", rec.ID), observability.String("kind", string(kind)))

	if l.stream != nil {
		if err := l.stream.Publish(ctx, rec); err != nil {
			l.logger.Warn("ledger stream publish failed", observability.String("record_id", rec.ID), observability.Err(err))
		}
	}

	return rec, nil
}

// Replay returns the ordered list of records between fromID and toID
// inclusive, in the store's insertion order (Store.Range).
func (l *Ledger) Replay(ctx context.Context, fromID, toID string) ([]*Record, error) {
	records, err := l.store.Range(ctx, fromID, toID)
	if err != nil {
		return nil, ferrors.Wrap("ledger", "Replay", err)
	}
	return records, nil
}

// Verify walks the chain from fromID to toID (Store.Range is
// inclusive of fromID), recomputing every id and checking each
// record's stated PrevID against the preceding record's actual id in
// the replayed sequence, returning false at the first mismatch
// (tamper detection). Checking only computeID(r.PrevID, r) == r.ID
// would pass a record whose fields were rewritten and whose ID was
// recomputed from its own stale PrevID, without that forgery ever
// being caught against its real neighbor. The first returned record
// has no replayed neighbor to check against unless fromID is empty,
// in which case it must chain from genesis.
func (l *Ledger) Verify(ctx context.Context, fromID, toID string) (bool, error) {
	records, err := l.store.Range(ctx, fromID, toID)
	if err != nil {
		return false, ferrors.Wrap("ledger", "Verify", err)
	}
	for i, r := range records {
		if i == 0 {
			if fromID == "" && r.PrevID != l.genesisID {
				l.logger.Error("ledger tamper detected", observability.String("record_id", r.ID))
				return false, nil
			}
		} else if r.PrevID != records[i-1].ID {
			l.logger.Error("ledger tamper detected", observability.String("record_id", r.ID))
			return false, nil
		}
		if computeID(r.PrevID, r) != r.ID {
			l.logger.Error("ledger tamper detected", observability.String("record_id", r.ID))
			return false, nil
		}
	}
	return true, nil
}

// Head returns the current chain head id (the genesis id if empty).
func (l *Ledger) Head(ctx context.Context) (string, error) {
	head, err := l.store.Head(ctx)
	if err != nil {
		return "", ferrors.Wrap("ledger", "Head", err)
	}
	if head == "" {
		return l.genesisID, nil
	}
	return head, nil
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
