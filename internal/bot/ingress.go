package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/stenobot/steno/internal/observe"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/pkg/telegram"
)

const (
	msgUsageHint = "Отправьте голосовое сообщение, аудио, видео или ссылку на файл в облаке — пришлю расшифровку."
	msgAccepted  = "Принял, обрабатываю…"
	msgLinkBad   = "Не удалось получить файл по ссылке. Проверьте, что ссылка открыта для скачивания."
)

// jobID derives a deterministic job id from the incoming message, so a
// webhook redelivery maps to the same job row and the unique constraint
// absorbs the duplicate.
func jobID(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func (b *Bot) handleMedia(ctx context.Context, m *telegram.Message) error {
	u, err := b.ensureUser(ctx, m.From)
	if err != nil {
		return err
	}
	if !b.limiter.Allow(u.ID, u.IsAdmin) {
		slog.Info("rate_limited", "user_id", u.ID)
		return nil
	}

	fileID, duration, fileName := attachment(m)

	// Recordings with a known duration are checked against the balance up
	// front. Documents go through provisionally and are re-checked by the
	// worker after probing.
	if duration > 0 {
		cost := int(math.Ceil(duration / 60))
		if u.Balance < cost {
			b.send(ctx, m.Chat.ID, fmt.Sprintf(msgInsufficientUpfront, cost, u.Balance))
			return nil
		}
	} else if u.Balance < 1 {
		b.send(ctx, m.Chat.ID, fmt.Sprintf(msgInsufficientUpfront, 1, u.Balance))
		return nil
	}

	if err := b.chat.SendChatAction(ctx, m.Chat.ID, "typing"); err != nil {
		slog.Debug("chat action failed", "chat_id", m.Chat.ID, "error", err)
	}
	progress, err := b.chat.SendMessage(ctx, telegram.SendMessageParams{ChatID: m.Chat.ID, Text: msgAccepted})
	if err != nil {
		return fmt.Errorf("bot: progress message: %w", err)
	}

	j := store.Job{
		ID:                jobID(m.Chat.ID, m.MessageID),
		UserID:            u.ID,
		ChatID:            m.Chat.ID,
		ProgressMessageID: progress.MessageID,
		FileID:            fileID,
		FileName:          fileName,
		DurationSec:       duration,
		Status:            store.JobPending,
		TraceID:           observe.TraceID(ctx),
	}
	return b.acceptJob(ctx, j, duration)
}

func (b *Bot) handleDriveLink(ctx context.Context, m *telegram.Message) error {
	u, err := b.ensureUser(ctx, m.From)
	if err != nil {
		return err
	}
	if !b.limiter.Allow(u.ID, u.IsAdmin) {
		slog.Info("rate_limited", "user_id", u.ID)
		return nil
	}
	if b.drive == nil {
		b.send(ctx, m.Chat.ID, msgLinkBad)
		return nil
	}
	if u.Balance < 1 {
		b.send(ctx, m.Chat.ID, fmt.Sprintf(msgInsufficientUpfront, 1, u.Balance))
		return nil
	}

	directURL, err := b.drive.Resolve(ctx, m.Text)
	if err != nil {
		slog.Warn("drive link resolve failed", "user_id", u.ID, "error", err)
		b.send(ctx, m.Chat.ID, msgLinkBad)
		return nil
	}

	progress, err := b.chat.SendMessage(ctx, telegram.SendMessageParams{ChatID: m.Chat.ID, Text: msgAccepted})
	if err != nil {
		return fmt.Errorf("bot: progress message: %w", err)
	}

	j := store.Job{
		ID:                jobID(m.Chat.ID, m.MessageID),
		UserID:            u.ID,
		ChatID:            m.Chat.ID,
		ProgressMessageID: progress.MessageID,
		FileURL:           directURL,
		FileName:          m.Text,
		Status:            store.JobPending,
		TraceID:           observe.TraceID(ctx),
	}
	return b.acceptJob(ctx, j, 0)
}

// acceptJob persists the job and picks its route. Duplicate creation means
// the update was redelivered: the fresh progress message is removed and
// nothing else happens.
func (b *Bot) acceptJob(ctx context.Context, j store.Job, duration float64) error {
	if err := b.store.CreateJob(ctx, j); err != nil {
		if err == store.ErrAlreadyExists {
			slog.Info("duplicate update ignored", "job_id", j.ID)
			if derr := b.chat.DeleteMessage(ctx, j.ChatID, j.ProgressMessageID); derr != nil {
				slog.Debug("duplicate progress delete failed", "job_id", j.ID, "error", derr)
			}
			return nil
		}
		return fmt.Errorf("bot: create job %s: %w", j.ID, err)
	}

	if duration > 0 && duration < b.cfg.SyncThresholdSec {
		if _, err := b.runner.RunJob(ctx, j.ID, "sync"); err != nil {
			return fmt.Errorf("bot: sync run %s: %w", j.ID, err)
		}
		return nil
	}

	b.Dispatch(ctx, j.ID)
	return nil
}
