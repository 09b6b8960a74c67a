package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "relay-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewCreatesDatabase(t *testing.T) {
	store := newTestStorage(t)
	if filepath.Base(store.Path()) != DBFile {
		t.Errorf("Path() = %s, want file %s", store.Path(), DBFile)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestPutGetOrder(t *testing.T) {
	store := newTestStorage(t)

	order := &OrderRecord{
		OrderHash:  "0xabc",
		Payload:    json.RawMessage(`{"maker":"0x1","makingAmount":"100","takingAmount":"200"}`),
		Signature:  "0xsig",
		Extension:  "0x",
		SrcChainID: 11155111,
		DstChainID: 8453,
		HashLock:   "0xabc",
		Origin:     OriginCreated,
	}
	if err := store.PutOrder(order); err != nil {
		t.Fatalf("PutOrder() error = %v", err)
	}

	got, err := store.GetOrder("0xabc")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.SrcChainID != 11155111 || got.DstChainID != 8453 {
		t.Errorf("chain ids = %d/%d", got.SrcChainID, got.DstChainID)
	}
	if got.Signature != "0xsig" || got.Origin != OriginCreated {
		t.Errorf("GetOrder() = %+v", got)
	}
	if string(got.Payload) != string(order.Payload) {
		t.Errorf("Payload = %s", got.Payload)
	}

	n, err := store.CountOrders()
	if err != nil || n != 1 {
		t.Errorf("CountOrders() = %d, %v", n, err)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	store := newTestStorage(t)
	_, err := store.GetOrder("0xmissing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("GetOrder() error = %v, want ErrOrderNotFound", err)
	}
}

func TestPutOrderRejectsDuplicate(t *testing.T) {
	store := newTestStorage(t)

	first := &OrderRecord{OrderHash: "0xdup", Payload: json.RawMessage(`{"v":1}`), Origin: OriginFill}
	if err := store.PutOrder(first); err != nil {
		t.Fatalf("PutOrder() error = %v", err)
	}
	second := &OrderRecord{OrderHash: "0xdup", Payload: json.RawMessage(`{"v":2}`), Origin: OriginFill}
	if err := store.PutOrder(second); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("PutOrder() duplicate error = %v, want ErrDuplicateOrder", err)
	}

	got, err := store.GetOrder("0xdup")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if string(got.Payload) != `{"v":1}` {
		t.Errorf("stored payload overwritten: %s", got.Payload)
	}
}

func TestPutOrderConcurrentDuplicates(t *testing.T) {
	store := newTestStorage(t)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.PutOrder(&OrderRecord{OrderHash: "0xrace", Payload: json.RawMessage(`{}`), Origin: OriginFill})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicateOrder) {
				t.Errorf("PutOrder() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful inserts = %d, want 1", successes)
	}
}

func TestListOrders(t *testing.T) {
	store := newTestStorage(t)
	base := time.Now().Add(-time.Hour)
	for i, hash := range []string{"0x1", "0x2", "0x3"} {
		err := store.PutOrder(&OrderRecord{
			OrderHash: hash,
			Payload:   json.RawMessage(`{}`),
			Origin:    OriginFill,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("PutOrder() error = %v", err)
		}
	}

	orders, err := store.ListOrders(2)
	if err != nil {
		t.Fatalf("ListOrders() error = %v", err)
	}
	if len(orders) != 2 || orders[0].OrderHash != "0x3" {
		t.Errorf("ListOrders() = %d orders, first %v", len(orders), orders)
	}
}

func TestSaveAndListExecutions(t *testing.T) {
	store := newTestStorage(t)

	started := time.Now().Add(-time.Minute)
	row := &ExecutionRow{
		OrderHash:        "0xabc",
		Status:           "processing",
		AssignedResolver: "conn-1",
		Attempt:          1,
		Progress:         30,
		TxHashes:         map[string]string{"srcTx": "0x1"},
		Assignment:       json.RawMessage(`{"orderHash":"0xabc"}`),
		StartedAt:        started,
	}
	if err := store.SaveExecution(row); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}

	orderID := uint64(7)
	completed := time.Now()
	row.Status = "completed"
	row.Progress = 100
	row.TxHashes = map[string]string{"srcTx": "0x1", "dstTx": "0x2"}
	row.MoveOrderID = &orderID
	row.CompletedAt = &completed
	row.Assignment = nil
	if err := store.SaveExecution(row); err != nil {
		t.Fatalf("SaveExecution() update error = %v", err)
	}

	rows, err := store.ListExecutions()
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ListExecutions() = %d rows, want 1", len(rows))
	}
	got := rows[0]
	if got.Status != "completed" || got.Progress != 100 {
		t.Errorf("status/progress = %s/%d", got.Status, got.Progress)
	}
	if got.TxHashes["dstTx"] != "0x2" {
		t.Errorf("TxHashes = %v", got.TxHashes)
	}
	if got.MoveOrderID == nil || *got.MoveOrderID != 7 {
		t.Errorf("MoveOrderID = %v", got.MoveOrderID)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not persisted")
	}
	if string(got.Assignment) != `{"orderHash":"0xabc"}` {
		t.Errorf("Assignment lost on update: %s", got.Assignment)
	}
}
