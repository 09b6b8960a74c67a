package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Order errors
var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
)

// OrderOrigin records how an order entered the ledger.
type OrderOrigin string

const (
	// OriginCreated orders were built by create_order.
	OriginCreated OrderOrigin = "created"
	// OriginFill orders arrived with their full payload on fill_order.
	OriginFill OrderOrigin = "fill"
)

// OrderRecord is an immutable ledger entry keyed by order hash.
type OrderRecord struct {
	OrderHash  string
	Payload    json.RawMessage
	Signature  string
	Extension  string
	SrcChainID uint64
	DstChainID uint64
	HashLock   string
	// MoveAddress is the full Move-chain party of the order when the
	// payload only carries its EVM-compatible short form.
	MoveAddress string
	Origin      OrderOrigin
	CreatedAt   time.Time
}

// PutOrder appends an order. A second insert for the same hash fails with
// ErrDuplicateOrder and leaves the stored row untouched.
func (s *Storage) PutOrder(order *OrderRecord) error {
	if order.OrderHash == "" {
		return fmt.Errorf("order hash is required")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO orders (
			order_hash, payload, signature, extension,
			src_chain_id, dst_chain_id, hash_lock, move_address, origin, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.OrderHash, string(order.Payload), order.Signature, order.Extension,
		order.SrcChainID, order.DstChainID, order.HashLock, order.MoveAddress,
		string(order.Origin), order.CreatedAt.Unix(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.OrderHash)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by hash.
func (s *Storage) GetOrder(orderHash string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT order_hash, payload, signature, extension,
			src_chain_id, dst_chain_id, hash_lock, move_address, origin, created_at
		FROM orders WHERE order_hash = ?
	`, orderHash)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrders returns the most recent orders, newest first.
func (s *Storage) ListOrders(limit int) ([]*OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_hash, payload, signature, extension,
			src_chain_id, dst_chain_id, hash_lock, move_address, origin, created_at
		FROM orders ORDER BY created_at DESC, order_hash LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*OrderRecord
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// CountOrders returns the ledger size.
func (s *Storage) CountOrders() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*OrderRecord, error) {
	var (
		order                          OrderRecord
		payload                        string
		signature, extension, hashLock sql.NullString
		moveAddress                    sql.NullString
		origin                         string
		createdAt                      int64
	)
	err := row.Scan(
		&order.OrderHash, &payload, &signature, &extension,
		&order.SrcChainID, &order.DstChainID, &hashLock, &moveAddress, &origin, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	order.Payload = json.RawMessage(payload)
	order.Signature = signature.String
	order.Extension = extension.String
	order.HashLock = hashLock.String
	order.MoveAddress = moveAddress.String
	order.Origin = OrderOrigin(origin)
	order.CreatedAt = time.Unix(createdAt, 0)
	return &order, nil
}
