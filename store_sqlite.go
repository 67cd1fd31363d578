package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite record store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements RecordStore using SQLite. Sync sessions run inside
// a single SQLite transaction, which provides the all-or-nothing batch
// apply guarantee.
type SQLiteStore struct {
	db     *sql.DB
	q      querier
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool
	inTx   bool
}

// NewSQLiteStore creates a new SQLite-backed record store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_pragma=cache_size(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		q:      db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Append-only knock log, globally ordered by server sequence
		CREATE TABLE IF NOT EXISTS knocks (
			server_seq INTEGER PRIMARY KEY,
			knock_id TEXT NOT NULL UNIQUE,
			rep_id TEXT NOT NULL,
			ts_wall INTEGER NOT NULL,
			data TEXT NOT NULL  -- JSON encoded knock
		);

		-- Current lead versions, CAS-guarded on version
		CREATE TABLE IF NOT EXISTS leads (
			lead_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			owner_rep_id TEXT,
			status TEXT NOT NULL,
			data TEXT NOT NULL  -- JSON encoded lead
		);

		-- Retained prior lead versions for three-way merges
		CREATE TABLE IF NOT EXISTS lead_history (
			lead_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (lead_id, version)
		);

		-- Idempotency ledger
		CREATE TABLE IF NOT EXISTS outcomes (
			device_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			data TEXT NOT NULL,  -- JSON encoded outcome
			PRIMARY KEY (device_id, record_id)
		);

		-- Monotonic counters (sequence high-water, retention floor)
		CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_knocks_rep_ts ON knocks(rep_id, ts_wall);
		CREATE INDEX IF NOT EXISTS idx_leads_owner ON leads(owner_rep_id);
		CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	if s.inTx {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (s *SQLiteStore) AppendKnocks(ctx context.Context, knocks []Knock) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, k := range knocks {
		data, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("failed to marshal knock: %w", err)
		}
		_, err = s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO knocks (server_seq, knock_id, rep_id, ts_wall, data)
			VALUES (?, ?, ?, ?, ?)
		`, k.ServerSequence, k.KnockID, k.RepID, k.ClientTimestamp.WallMillis, data)
		if err != nil {
			return fmt.Errorf("failed to append knock: %w", err)
		}
	}
	return nil
}

func scanKnocks(rows *sql.Rows) ([]Knock, error) {
	defer rows.Close()
	var out []Knock
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan knock: %w", err)
		}
		var k Knock
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("failed to unmarshal knock: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) KnocksSince(ctx context.Context, seq uint64, limit int) ([]Knock, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT data FROM knocks WHERE server_seq > ? ORDER BY server_seq LIMIT ?
	`, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query knocks: %w", err)
	}
	return scanKnocks(rows)
}

func (s *SQLiteStore) KnocksByRep(ctx context.Context, repID string, startMillis, endMillis int64, limit int) ([]Knock, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if endMillis == 0 {
		endMillis = int64(^uint64(0) >> 1)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT data FROM knocks
		WHERE rep_id = ? AND ts_wall >= ? AND ts_wall <= ?
		ORDER BY server_seq LIMIT ?
	`, repID, startMillis, endMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query knocks by rep: %w", err)
	}
	return scanKnocks(rows)
}

func (s *SQLiteStore) GetKnock(ctx context.Context, knockID string) (*Knock, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.q.QueryRowContext(ctx, `SELECT data FROM knocks WHERE knock_id = ?`, knockID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrKnockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knock: %w", err)
	}
	var k Knock
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to unmarshal knock: %w", err)
	}
	return &k, nil
}

func (s *SQLiteStore) SetCoaching(ctx context.Context, knockID string, res *CoachingResult) error {
	k, err := s.GetKnock(ctx, knockID)
	if err != nil {
		return err
	}
	k.Coaching = res
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("failed to marshal knock: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `UPDATE knocks SET data = ? WHERE knock_id = ?`, data, knockID)
	if err != nil {
		return fmt.Errorf("failed to update coaching: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneKnocksThrough(ctx context.Context, seq uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM knocks WHERE server_seq <= ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to prune knocks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.q.QueryRowContext(ctx, `SELECT data FROM leads WHERE lead_id = ?`, leadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lead: %w", err)
	}
	var l Lead
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lead: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) GetLeadVersion(ctx context.Context, leadID string, version uint64) (*Lead, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cur, err := s.GetLead(ctx, leadID)
	if err == nil && cur.Version == version {
		return cur, nil
	}
	var data []byte
	err = s.q.QueryRowContext(ctx, `
		SELECT data FROM lead_history WHERE lead_id = ? AND version = ?
	`, leadID, version).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lead history: %w", err)
	}
	var l Lead
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lead: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) PutLead(ctx context.Context, lead *Lead, expect uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("failed to marshal lead: %w", err)
	}

	if expect == 0 {
		res, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO leads (lead_id, version, owner_rep_id, status, data)
			VALUES (?, ?, ?, ?, ?)
		`, lead.LeadID, lead.Version, lead.OwnerRepID, string(lead.Status), data)
		if err != nil {
			return fmt.Errorf("failed to insert lead: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrVersionMismatch
		}
		return nil
	}

	var prevData []byte
	err = s.q.QueryRowContext(ctx, `
		SELECT data FROM leads WHERE lead_id = ? AND version = ?
	`, lead.LeadID, expect).Scan(&prevData)
	if err == sql.ErrNoRows {
		return ErrVersionMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to read lead for CAS: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE leads SET version = ?, owner_rep_id = ?, status = ?, data = ?
		WHERE lead_id = ? AND version = ?
	`, lead.Version, lead.OwnerRepID, string(lead.Status), data, lead.LeadID, expect)
	if err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrVersionMismatch
	}

	// Retain the replaced version for three-way merges, bounded depth.
	_, err = s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO lead_history (lead_id, version, data) VALUES (?, ?, ?)
	`, lead.LeadID, expect, prevData)
	if err != nil {
		return fmt.Errorf("failed to write lead history: %w", err)
	}
	if lead.Version > leadHistoryDepth {
		_, err = s.q.ExecContext(ctx, `
			DELETE FROM lead_history WHERE lead_id = ? AND version <= ?
		`, lead.LeadID, lead.Version-leadHistoryDepth)
		if err != nil {
			return fmt.Errorf("failed to prune lead history: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, ownerRepID string, status LeadStatus) ([]Lead, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT data FROM leads WHERE 1=1`
	var args []any
	if ownerRepID != "" {
		query += ` AND owner_rep_id = ?`
		args = append(args, ownerRepID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY lead_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		var l Lead
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetOutcome(ctx context.Context, deviceID, clientRecordID string) (*RecordOutcome, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT data FROM outcomes WHERE device_id = ? AND record_id = ?
	`, deviceID, clientRecordID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outcome: %w", err)
	}
	var out RecordOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return &out, nil
}

func (s *SQLiteStore) PutOutcome(ctx context.Context, out *RecordOutcome) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO outcomes (device_id, record_id, recorded_at, data)
		VALUES (?, ?, ?, ?)
	`, out.DeviceID, out.ClientRecordID, out.RecordedAt.UnixMilli(), data)
	if err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeOutcomesBefore(ctx context.Context, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM outcomes WHERE recorded_at < ?`, t.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to purge outcomes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCounter(ctx context.Context, name string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var v uint64
	err := s.q.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) RaiseCounter(ctx context.Context, name string, v uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)
	`, name, v)
	if err != nil {
		return fmt.Errorf("failed to raise counter: %w", err)
	}
	return nil
}

// RunInTransaction applies fn inside a single SQLite transaction.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx RecordStore) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	shadow := &SQLiteStore{db: s.db, q: tx, config: s.config, inTx: true}
	if err := fn(shadow); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases any resources.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
