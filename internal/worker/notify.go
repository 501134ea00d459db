package worker

import (
	"context"
	"log/slog"

	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/pkg/telegram"
)

// User-facing messages. The service targets Russian-language recordings, so
// notifications are in Russian as well.
const (
	msgDownloadFailed    = "Не удалось скачать файл. Попробуйте отправить его ещё раз."
	msgUnsupportedMedia  = "Не удалось обработать этот файл. Поддерживаются аудио и видео в распространённых форматах."
	msgNoSpeech          = "Речь в записи не распознана."
	msgRecognitionFailed = "Распознавание не удалось. Попробуйте позже."
	msgAudioTooLong      = "Запись слишком длинная для распознавания. Попробуйте отправить файл короче."
	msgTimeout           = "Обработка заняла слишком много времени. Попробуйте позже."
	msgInsufficient      = "Недостаточно минут: нужно %d, на балансе %d. Пополнить баланс: /buy"
	msgBalanceEmpty      = "Баланс исчерпан. Пополнить: /buy"
	msgBalanceLow        = "Осталось %d мин. Пополнить: /buy"
	msgOrphaned          = "Обработка записи прервалась, минуты возвращены на баланс. Попробуйте отправить файл ещё раз."
	msgProgress          = "Обработано %d из %d частей…"
)

// fail brings the job to the failed state and tells the user what happened.
// With a progress message present the failure text replaces it; an empty
// userMsg just removes the progress message.
func (w *Worker) fail(ctx context.Context, j *store.Job, reason, userMsg string) {
	if err := w.store.MarkJobFailed(ctx, j.ID, reason); err != nil {
		slog.Error("job failure mark failed", "job_id", j.ID, "error", err)
	}
	if err := w.store.AppendTranscriptionLog(ctx, j.UserID, 0, 0, reason); err != nil {
		slog.Warn("transcription log append failed", "job_id", j.ID, "error", err)
	}

	switch {
	case j.ProgressMessageID != 0 && userMsg != "":
		err := w.chat.EditMessageText(ctx, telegram.EditMessageTextParams{
			ChatID:    j.ChatID,
			MessageID: j.ProgressMessageID,
			Text:      userMsg,
		})
		if err != nil {
			slog.Debug("failure notice edit failed", "job_id", j.ID, "error", err)
		}
	case j.ProgressMessageID != 0:
		if err := w.chat.DeleteMessage(ctx, j.ChatID, j.ProgressMessageID); err != nil {
			slog.Debug("progress message delete failed", "job_id", j.ID, "error", err)
		}
	case userMsg != "":
		w.send(ctx, j.ChatID, userMsg)
	}
}

func (w *Worker) send(ctx context.Context, chatID int64, text string) {
	_, err := w.chat.SendMessage(ctx, telegram.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		slog.Warn("notification send failed", "chat_id", chatID, "error", err)
	}
}

func (w *Worker) notifyAdmins(ctx context.Context, text string) {
	for _, id := range w.cfg.AdminIDs {
		w.send(ctx, id, text)
	}
}
