package worker

import (
	"context"
	"log/slog"
	"time"
)

// sweepBatch bounds one sweep pass.
const sweepBatch = 500

// Sweep fails jobs stuck in a non-terminal state for longer than the orphan
// age, refunds the debitable minutes, and tells the affected users. Returns
// the number of jobs swept.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.OrphanAge)
	jobs, err := w.store.GetStuckJobs(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range jobs {
		j := &jobs[i]
		if err := w.store.MarkJobFailed(ctx, j.ID, "orphaned"); err != nil {
			slog.Error("orphan mark failed", "job_id", j.ID, "error", err)
			continue
		}
		if minutes := billedMinutes(j.DurationSec); minutes > 0 {
			if _, err := w.store.AdjustBalance(ctx, j.UserID, minutes); err != nil {
				slog.Error("orphan refund failed", "job_id", j.ID, "user_id", j.UserID, "minutes", minutes, "error", err)
			}
		}
		if j.ProgressMessageID != 0 {
			if err := w.chat.DeleteMessage(ctx, j.ChatID, j.ProgressMessageID); err != nil {
				slog.Debug("orphan progress delete failed", "job_id", j.ID, "error", err)
			}
		}
		w.send(ctx, j.ChatID, msgOrphaned)
		slog.Info("orphaned job swept", "job_id", j.ID, "user_id", j.UserID, "age", w.now().Sub(j.CreatedAt))
		swept++
	}
	return swept, nil
}

// RunSweeper sweeps orphaned jobs on the given interval until ctx ends.
func (w *Worker) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				slog.Error("sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("sweep finished", "swept", n)
			}
		}
	}
}
