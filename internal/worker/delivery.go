package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/stenobot/steno/internal/format"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/pkg/telegram"
)

// editLimit is the largest transcript delivered by editing the progress
// message in place. Above it the progress message is deleted and the text
// goes out as separate messages or a file, per the user's long_text_mode.
const editLimit = 4000

func (w *Worker) deliver(ctx context.Context, j *store.Job, st store.Settings, text string) error {
	parseMode := ""
	render := func(s string) string { return s }
	if st.CodeTags {
		parseMode = telegram.ParseModeHTML
		render = format.WrapCode
	}

	if j.ProgressMessageID != 0 && utf8.RuneCountInString(text) <= editLimit {
		err := w.chat.EditMessageText(ctx, telegram.EditMessageTextParams{
			ChatID:    j.ChatID,
			MessageID: j.ProgressMessageID,
			Text:      render(text),
			ParseMode: parseMode,
		})
		if err == nil {
			return nil
		}
		// The progress message may have been deleted by the user; retry
		// once as a fresh message before failing the job.
		slog.Warn("progress edit failed, sending as new message", "job_id", j.ID, "error", err)
		_, serr := w.chat.SendMessage(ctx, telegram.SendMessageParams{
			ChatID:    j.ChatID,
			Text:      render(text),
			ParseMode: parseMode,
		})
		return serr
	}

	if j.ProgressMessageID != 0 {
		if err := w.chat.DeleteMessage(ctx, j.ChatID, j.ProgressMessageID); err != nil {
			slog.Debug("progress message delete failed", "job_id", j.ID, "error", err)
		}
	}

	if st.LongTextMode == store.LongTextFile {
		_, err := w.chat.SendDocument(ctx, j.ChatID, transcriptFileName(j.FileName), strings.NewReader(text), "")
		return err
	}

	limit := telegram.MaxMessageLen
	if st.CodeTags {
		// Wrapping happens after splitting so the tags stay balanced in
		// every part; leave room for them.
		limit -= len("<pre></pre>")
	}
	for _, part := range telegram.SplitMessage(text, limit) {
		_, err := w.chat.SendMessage(ctx, telegram.SendMessageParams{
			ChatID:    j.ChatID,
			Text:      render(part),
			ParseMode: parseMode,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// transcriptFileName derives the delivered .txt name from the source file.
func transcriptFileName(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if base == "" || base == "." {
		base = "transcript"
	}
	return base + ".txt"
}
