package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/kleros/lifi-sdk/internal/model"
)

// Store persists step executions so an interrupted transfer can resume from
// its recorded transaction hash instead of re-broadcasting.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create execution store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create execution lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open execution sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS executions (
			step_id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			from_chain INTEGER NOT NULL,
			to_chain INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_executions_status_updated ON executions(status, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init execution schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(step model.Step) error {
	if strings.TrimSpace(step.ID) == "" {
		return fmt.Errorf("save execution: missing step id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock execution store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock execution store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	executionStatus := string(model.ExecutionStarted)
	if step.Execution != nil {
		executionStatus = string(step.Execution.Status)
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (step_id, tool, status, from_chain, to_chain, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			tool=excluded.tool,
			status=excluded.status,
			from_chain=excluded.from_chain,
			to_chain=excluded.to_chain,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, step.ID, step.Tool, executionStatus, step.Action.FromChainID, step.Action.ToChainID, time.Now().UTC().Unix(), payload)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *Store) Get(stepID string) (model.Step, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM executions WHERE step_id = ?", stepID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Step{}, fmt.Errorf("execution not found: %s", stepID)
		}
		return model.Step{}, fmt.Errorf("read execution: %w", err)
	}
	var step model.Step
	if err := json.Unmarshal(payload, &step); err != nil {
		return model.Step{}, fmt.Errorf("decode execution payload: %w", err)
	}
	return step, nil
}

func (s *Store) List(status string, limit int) ([]model.Step, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query("SELECT payload FROM executions ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM executions WHERE status = ? ORDER BY updated_at DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	steps := make([]model.Step, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		var step model.Step
		if err := json.Unmarshal(payload, &step); err != nil {
			return nil, fmt.Errorf("decode execution row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return steps, nil
}
