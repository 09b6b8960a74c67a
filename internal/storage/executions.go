package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionRow is the persisted snapshot of one execution.
type ExecutionRow struct {
	OrderHash        string
	Status           string
	AssignedResolver string
	Attempt          int
	Progress         int
	TxHashes         map[string]string
	Error            string
	MoveOrderID      *uint64
	Assignment       json.RawMessage
	StartedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// SaveExecution upserts the snapshot for row.OrderHash.
func (s *Storage) SaveExecution(row *ExecutionRow) error {
	txHashes, err := json.Marshal(row.TxHashes)
	if err != nil {
		return fmt.Errorf("failed to marshal tx hashes: %w", err)
	}

	var completedAt *int64
	if row.CompletedAt != nil {
		ts := row.CompletedAt.Unix()
		completedAt = &ts
	}
	var assignment *string
	if len(row.Assignment) > 0 {
		a := string(row.Assignment)
		assignment = &a
	}
	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO executions (
			order_hash, status, assigned_resolver, attempt, progress,
			tx_hashes, error, move_order_id, assignment,
			started_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_hash) DO UPDATE SET
			status = excluded.status,
			assigned_resolver = excluded.assigned_resolver,
			attempt = excluded.attempt,
			progress = excluded.progress,
			tx_hashes = excluded.tx_hashes,
			error = excluded.error,
			move_order_id = excluded.move_order_id,
			assignment = COALESCE(excluded.assignment, executions.assignment),
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		row.OrderHash, row.Status, row.AssignedResolver, row.Attempt, row.Progress,
		string(txHashes), row.Error, row.MoveOrderID, assignment,
		row.StartedAt.Unix(), updatedAt.Unix(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// ListExecutions returns every persisted execution.
func (s *Storage) ListExecutions() ([]*ExecutionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_hash, status, assigned_resolver, attempt, progress,
			tx_hashes, error, move_order_id, assignment,
			started_at, updated_at, completed_at
		FROM executions ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRow
	for rows.Next() {
		var (
			row                                   ExecutionRow
			resolver, txHashes, errText, assigned sql.NullString
			moveOrderID, completedAt              sql.NullInt64
			startedAt, updatedAt                  int64
		)
		if err := rows.Scan(
			&row.OrderHash, &row.Status, &resolver, &row.Attempt, &row.Progress,
			&txHashes, &errText, &moveOrderID, &assigned,
			&startedAt, &updatedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		row.AssignedResolver = resolver.String
		row.Error = errText.String
		if txHashes.Valid && txHashes.String != "" && txHashes.String != "null" {
			if err := json.Unmarshal([]byte(txHashes.String), &row.TxHashes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tx hashes: %w", err)
			}
		}
		if moveOrderID.Valid {
			id := uint64(moveOrderID.Int64)
			row.MoveOrderID = &id
		}
		if assigned.Valid {
			row.Assignment = json.RawMessage(assigned.String)
		}
		row.StartedAt = time.Unix(startedAt, 0)
		row.UpdatedAt = time.Unix(updatedAt, 0)
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0)
			row.CompletedAt = &t
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
