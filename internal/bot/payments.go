package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stenobot/steno/pkg/telegram"
)

// kopecksPerMinute prices transcription minutes in RUB kopecks.
const kopecksPerMinute = 250

// buyPackages are the minute bundles offered by /buy.
var buyPackages = []int{60, 300, 600}

func (b *Bot) cmdBuy(ctx context.Context, chatID int64, args []string) error {
	if b.cfg.PaymentToken == "" {
		b.send(ctx, chatID, "Оплата временно недоступна, напишите администратору.")
		return nil
	}

	minutes := buyPackages[0]
	if len(args) > 0 {
		m, err := strconv.Atoi(args[0])
		if err != nil || !validPackage(m) {
			b.send(ctx, chatID, fmt.Sprintf("Доступные пакеты: %s минут. Например: /buy %d", packagesList(), buyPackages[0]))
			return nil
		}
		minutes = m
	}

	_, err := b.chat.SendInvoice(ctx, telegram.SendInvoiceParams{
		ChatID:        chatID,
		Title:         fmt.Sprintf("%d минут расшифровки", minutes),
		Description:   "Минуты списываются по длительности записи, неполная минута округляется вверх.",
		Payload:       paymentPayload(minutes),
		ProviderToken: b.cfg.PaymentToken,
		Currency:      "RUB",
		Prices: []telegram.LabeledPrice{
			{Label: fmt.Sprintf("%d мин", minutes), Amount: int64(minutes * kopecksPerMinute)},
		},
	})
	if err != nil {
		return fmt.Errorf("bot: send invoice: %w", err)
	}
	return nil
}

func (b *Bot) handlePreCheckout(ctx context.Context, q *telegram.PreCheckoutQuery) error {
	minutes, ok := parsePayload(q.InvoicePayload)
	if !ok || !validPackage(minutes) {
		return b.chat.AnswerPreCheckoutQuery(ctx, q.ID, false, "Неизвестный пакет, начните оплату заново: /buy")
	}
	return b.chat.AnswerPreCheckoutQuery(ctx, q.ID, true, "")
}

func (b *Bot) handlePayment(ctx context.Context, m *telegram.Message) error {
	p := m.SuccessfulPayment
	minutes, ok := parsePayload(p.InvoicePayload)
	if !ok {
		// The money is already taken; never drop a paid credit silently.
		slog.Error("unparseable payment payload", "user_id", m.From.ID, "payload", p.InvoicePayload)
		b.notifyAdmins(ctx, fmt.Sprintf("платёж без пакета: user %d, payload %q, %d %s", m.From.ID, p.InvoicePayload, p.TotalAmount, p.Currency))
		return nil
	}

	balance, err := b.store.AdjustBalance(ctx, m.From.ID, minutes)
	if err != nil {
		slog.Error("payment credit failed", "user_id", m.From.ID, "minutes", minutes, "error", err)
		b.notifyAdmins(ctx, fmt.Sprintf("не зачислен платёж: user %d, %d мин: %v", m.From.ID, minutes, err))
		return err
	}
	if err := b.store.AppendPaymentLog(ctx, m.From.ID, minutes, int(p.TotalAmount), p.Currency, p.InvoicePayload); err != nil {
		slog.Warn("payment log append failed", "user_id", m.From.ID, "error", err)
	}

	slog.Info("payment credited", "user_id", m.From.ID, "minutes", minutes, "amount", p.TotalAmount, "currency", p.Currency)
	b.send(ctx, m.Chat.ID, fmt.Sprintf("Оплата получена, начислено %d мин. На балансе: %d", minutes, balance))
	return nil
}

func paymentPayload(minutes int) string {
	return fmt.Sprintf("minutes:%d", minutes)
}

func parsePayload(payload string) (int, bool) {
	s, ok := strings.CutPrefix(payload, "minutes:")
	if !ok {
		return 0, false
	}
	m, err := strconv.Atoi(s)
	if err != nil || m <= 0 {
		return 0, false
	}
	return m, true
}

func validPackage(minutes int) bool {
	for _, p := range buyPackages {
		if p == minutes {
			return true
		}
	}
	return false
}

func packagesList() string {
	parts := make([]string, len(buyPackages))
	for i, p := range buyPackages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, " / ")
}
