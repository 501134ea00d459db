package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// receiveBackoff delays the next poll after a queue error.
const receiveBackoff = 5 * time.Second

// Run is the queue poll loop. Each received message is resolved to a job
// and executed; the message is deleted once the job reaches a terminal
// state (including duplicates and failures) and left visible only on
// transient errors so the queue redelivers it.
func (w *Worker) Run(ctx context.Context) error {
	if w.queue == nil {
		slog.Warn("no queue configured, worker poll loop disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		msgs, err := w.queue.Receive(ctx, w.cfg.PollWait, w.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveBackoff):
			}
			continue
		}

		for _, m := range msgs {
			var env Envelope
			if err := json.Unmarshal([]byte(m.Body), &env); err != nil || env.JobID == "" {
				slog.Error("malformed queue message dropped", "body", m.Body, "error", err)
				w.deleteMessage(ctx, m.ReceiptHandle)
				continue
			}
			if m.DequeueCount > 1 {
				slog.Warn("job redelivered", "job_id", env.JobID, "dequeue_count", m.DequeueCount, "trace_id", env.TraceID)
			}

			if _, err := w.RunJob(ctx, env.JobID, "async"); err != nil {
				slog.Error("job run failed, message stays visible", "job_id", env.JobID, "error", err)
				continue
			}
			w.deleteMessage(ctx, m.ReceiptHandle)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		slog.Error("queue delete failed", "error", err)
	}
}
