package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/pkg/telegram"
)

const (
	msgInsufficientUpfront = "Недостаточно минут: нужно %d, на балансе %d. Пополнить баланс: /buy"
	msgAdminsOnly          = "Эта команда доступна только администраторам."

	msgStart = `Пришлите голосовое сообщение, аудио- или видеофайл — верну расшифровку текстом.

Длинные записи разбиваются на части, в диалогах выделяются реплики собеседников.

Команды:
/balance — остаток минут
/settings — настройки расшифровки
/buy — пополнить баланс

На балансе: %d мин.`

	msgSettingsHelp = `Текущие настройки:
  code_tags: %s
  preserve_diacritic_e: %s
  long_text_mode: %s
  speaker_labels: %s
  debug_mode: %s
  llm_backend: %s

Изменить: /settings <ключ> <значение>
Например: /settings long_text_mode file`
)

func (b *Bot) handleCommand(ctx context.Context, m *telegram.Message) error {
	u, err := b.ensureUser(ctx, m.From)
	if err != nil {
		return err
	}

	fields := strings.Fields(m.Text)
	cmd, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch cmd {
	case "/start":
		b.send(ctx, m.Chat.ID, fmt.Sprintf(msgStart, u.Balance))
	case "/balance":
		b.send(ctx, m.Chat.ID, fmt.Sprintf("На балансе: %d мин.", u.Balance))
	case "/settings":
		return b.cmdSettings(ctx, m.Chat.ID, u.ID, args)
	case "/buy":
		return b.cmdBuy(ctx, m.Chat.ID, args)
	case "/grant":
		return b.cmdGrant(ctx, m.Chat.ID, u, args)
	case "/sweep":
		return b.cmdSweep(ctx, m.Chat.ID, u)
	case "/stats":
		return b.cmdStats(ctx, m.Chat.ID, u)
	default:
		b.send(ctx, m.Chat.ID, msgUsageHint)
	}
	return nil
}

func (b *Bot) cmdSettings(ctx context.Context, chatID, userID int64, args []string) error {
	st, err := b.store.GetSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("bot: load settings: %w", err)
	}

	if len(args) == 0 {
		b.send(ctx, chatID, fmt.Sprintf(msgSettingsHelp,
			onOff(st.CodeTags), onOff(st.PreserveDiacriticE), st.LongTextMode,
			onOff(st.SpeakerLabels), onOff(st.DebugMode), orDefault(st.LLMBackend)))
		return nil
	}
	if len(args) != 2 {
		b.send(ctx, chatID, "Формат: /settings <ключ> <значение>")
		return nil
	}

	key, val := args[0], strings.ToLower(args[1])
	if err := applySetting(&st, key, val); err != nil {
		b.send(ctx, chatID, err.Error())
		return nil
	}
	if err := b.store.SaveSettings(ctx, st); err != nil {
		return fmt.Errorf("bot: save settings: %w", err)
	}
	b.send(ctx, chatID, fmt.Sprintf("Готово: %s = %s", key, val))
	return nil
}

func applySetting(st *store.Settings, key, val string) error {
	boolVal := func() (bool, error) {
		switch val {
		case "on", "true", "1", "вкл":
			return true, nil
		case "off", "false", "0", "выкл":
			return false, nil
		}
		return false, fmt.Errorf("значение должно быть on или off")
	}

	switch key {
	case "code_tags":
		v, err := boolVal()
		if err != nil {
			return err
		}
		st.CodeTags = v
	case "preserve_diacritic_e":
		v, err := boolVal()
		if err != nil {
			return err
		}
		st.PreserveDiacriticE = v
	case "speaker_labels":
		v, err := boolVal()
		if err != nil {
			return err
		}
		st.SpeakerLabels = v
	case "debug_mode":
		v, err := boolVal()
		if err != nil {
			return err
		}
		st.DebugMode = v
	case "long_text_mode":
		switch store.LongTextMode(val) {
		case store.LongTextSplit, store.LongTextFile:
			st.LongTextMode = store.LongTextMode(val)
		default:
			return fmt.Errorf("значение должно быть split или file")
		}
	case "llm_backend":
		if val == "default" {
			val = ""
		}
		st.LLMBackend = val
	default:
		return fmt.Errorf("неизвестный ключ %q", key)
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func (b *Bot) cmdGrant(ctx context.Context, chatID int64, u *store.User, args []string) error {
	if !u.IsAdmin {
		b.send(ctx, chatID, msgAdminsOnly)
		return nil
	}
	if len(args) != 2 {
		b.send(ctx, chatID, "Формат: /grant <user_id> <минуты>")
		return nil
	}
	target, err1 := strconv.ParseInt(args[0], 10, 64)
	minutes, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		b.send(ctx, chatID, "Формат: /grant <user_id> <минуты>")
		return nil
	}

	balance, err := b.store.AdjustBalance(ctx, target, minutes)
	if err != nil {
		return fmt.Errorf("bot: grant %d min to %d: %w", minutes, target, err)
	}
	slog.Info("minutes granted", "admin_id", u.ID, "user_id", target, "minutes", minutes)
	b.send(ctx, chatID, fmt.Sprintf("Начислено %d мин пользователю %d, баланс: %d", minutes, target, balance))
	b.send(ctx, target, fmt.Sprintf("Вам начислено %d мин. На балансе: %d", minutes, balance))
	return nil
}

func (b *Bot) cmdSweep(ctx context.Context, chatID int64, u *store.User) error {
	if !u.IsAdmin {
		b.send(ctx, chatID, msgAdminsOnly)
		return nil
	}
	n, err := b.runner.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("bot: sweep: %w", err)
	}
	b.send(ctx, chatID, fmt.Sprintf("Зависших задач закрыто: %d", n))
	return nil
}

func (b *Bot) cmdStats(ctx context.Context, chatID int64, u *store.User) error {
	if !u.IsAdmin {
		b.send(ctx, chatID, msgAdminsOnly)
		return nil
	}
	users, err := b.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("bot: count users: %w", err)
	}
	total, completed, err := b.store.CountJobs(ctx)
	if err != nil {
		return fmt.Errorf("bot: count jobs: %w", err)
	}
	b.send(ctx, chatID, fmt.Sprintf("Пользователей: %d\nЗадач: %d, из них завершено: %d", users, total, completed))
	return nil
}
