package relayer

import (
	"github.com/Klingon-tech/klingdex-relay/internal/storage"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
)

// journal persists tracker snapshots to the executions table.
type journal struct {
	store *storage.Storage
}

func (j journal) Record(e tracker.Execution) error {
	return j.store.SaveExecution(&storage.ExecutionRow{
		OrderHash:        e.OrderHash,
		Status:           string(e.Status),
		AssignedResolver: e.AssignedResolver,
		Attempt:          e.Attempt,
		Progress:         e.Progress,
		TxHashes:         e.TxHashes,
		Error:            e.Error,
		MoveOrderID:      e.MoveOrderID,
		Assignment:       e.Assignment,
		StartedAt:        e.StartedAt,
		UpdatedAt:        e.UpdatedAt,
		CompletedAt:      e.CompletedAt,
	})
}

// restoreExecutions loads persisted executions into tr. It returns how many
// were in flight when the previous process stopped.
func restoreExecutions(store *storage.Storage, tr *tracker.Tracker) (int, error) {
	rows, err := store.ListExecutions()
	if err != nil {
		return 0, err
	}
	inFlight := 0
	for _, row := range rows {
		exec := tracker.Execution{
			OrderHash:        row.OrderHash,
			Status:           tracker.Status(row.Status),
			AssignedResolver: row.AssignedResolver,
			Attempt:          row.Attempt,
			Progress:         row.Progress,
			TxHashes:         row.TxHashes,
			Error:            row.Error,
			MoveOrderID:      row.MoveOrderID,
			StartedAt:        row.StartedAt,
			UpdatedAt:        row.UpdatedAt,
			CompletedAt:      row.CompletedAt,
			Assignment:       row.Assignment,
		}
		if !exec.Status.Terminal() {
			inFlight++
		}
		tr.Restore(exec)
	}
	return inFlight, nil
}
