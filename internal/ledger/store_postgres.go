package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig configures the Postgres-backed Store, used in
// multi-process deployments where several orchestrator instances
// share one ledger.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	Table    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Port:            5432,
		SSLMode:         "disable",
		Table:           "ledger_records",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// PostgresStore implements Store against a single ledger_records
// table. The table's primary key is a monotonic seq column recording
// insertion order, so Range and Head order by it without relying on
// timestamp precision; id is a unique column.
type PostgresStore struct {
	config PostgresConfig
	db     *sql.DB

	stmtAppend *sql.Stmt
	stmtGet    *sql.Stmt
	stmtHead   *sql.Stmt
}

func NewPostgresStore(config PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging ledger database: %w", err)
	}

	if err := ensureSchema(ctx, db, config.Table); err != nil {
		db.Close()
		return nil, err
	}

	ps := &PostgresStore{config: config, db: db}
	if err := ps.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ps, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, table string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			prev_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			inputs_digest TEXT NOT NULL,
			outputs_digest TEXT NOT NULL,
			actor_id TEXT NOT NULL
		)
	`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating ledger table: %w", err)
	}
	return nil
}

func (ps *PostgresStore) prepareStatements(ctx context.Context) error {
	var err error
	ps.stmtAppend, err = ps.db.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, prev_id, kind, task_id, occurred_at, inputs_digest, outputs_digest, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ps.config.Table))
	if err != nil {
		return fmt.Errorf("preparing append statement: %w", err)
	}

	ps.stmtGet, err = ps.db.PrepareContext(ctx, fmt.Sprintf(`
		SELECT id, prev_id, kind, task_id, occurred_at, inputs_digest, outputs_digest, actor_id
		FROM %s WHERE id = $1
	`, ps.config.Table))
	if err != nil {
		return fmt.Errorf("preparing get statement: %w", err)
	}

	ps.stmtHead, err = ps.db.PrepareContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s ORDER BY seq DESC LIMIT 1
	`, ps.config.Table))
	if err != nil {
		return fmt.Errorf("preparing head statement: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Append(ctx context.Context, r *Record) error {
	_, err := ps.stmtAppend.ExecContext(ctx,
		r.ID, r.PrevID, string(r.Kind), r.TaskID, r.Timestamp,
		r.InputsDigest, r.OutputsDigest, r.ActorID,
	)
	if err != nil {
		return fmt.Errorf("appending ledger record: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(ps.stmtGet.QueryRowContext(ctx, id))
}

func (ps *PostgresStore) Head(ctx context.Context) (string, error) {
	var head string
	err := ps.stmtHead.QueryRowContext(ctx).Scan(&head)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading ledger head: %w", err)
	}
	return head, nil
}

func (ps *PostgresStore) Range(ctx context.Context, fromID, toID string) ([]*Record, error) {
	startSeq := int64(0)
	if fromID != "" {
		row := ps.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT seq FROM %s WHERE id = $1`, ps.config.Table), fromID)
		if err := row.Scan(&startSeq); err != nil {
			return nil, fmt.Errorf("locating range start: %w", err)
		}
	}

	rows, err := ps.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, prev_id, kind, task_id, occurred_at, inputs_digest, outputs_digest, actor_id
		FROM %s WHERE seq >= $1 ORDER BY seq ASC
	`, ps.config.Table), startSeq)
	if err != nil {
		return nil, fmt.Errorf("querying ledger range: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&r.ID, &r.PrevID, &kind, &r.TaskID, &r.Timestamp, &r.InputsDigest, &r.OutputsDigest, &r.ActorID); err != nil {
			return nil, fmt.Errorf("scanning ledger record: %w", err)
		}
		r.Kind = RecordKind(kind)
		out = append(out, &r)
		if toID != "" && r.ID == toID {
			break
		}
	}
	return out, rows.Err()
}

func (ps *PostgresStore) Size(ctx context.Context) (int, error) {
	var n int
	err := ps.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, ps.config.Table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting ledger records: %w", err)
	}
	return n, nil
}

func (ps *PostgresStore) Close() error {
	ps.stmtAppend.Close()
	ps.stmtGet.Close()
	ps.stmtHead.Close()
	return ps.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var kind string
	err := row.Scan(&r.ID, &r.PrevID, &kind, &r.TaskID, &r.Timestamp, &r.InputsDigest, &r.OutputsDigest, &r.ActorID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ledger record: %w", err)
	}
	r.Kind = RecordKind(kind)
	return &r, nil
}
