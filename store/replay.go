package store

import (
	"context"
	"fmt"
)

// Replay applies a queued mutation to exec. An update or delete that matches
// no row counts as applied.
func Replay(ctx context.Context, exec Executor, entry QueueEntry) error {
	switch entry.Operation {
	case OpCreate:
		_, err := exec.Create(ctx, entry.Table, entry.Data)
		return err
	case OpUpdate:
		_, err := exec.Update(ctx, entry.Table, entry.Data, entry.Where)
		return err
	case OpDelete:
		return exec.Delete(ctx, entry.Table, entry.Where)
	default:
		return fmt.Errorf("unknown queue operation %q", entry.Operation)
	}
}
