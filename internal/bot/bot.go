// Package bot is the chat-facing ingress of the service. It turns incoming
// webhook updates into transcription jobs, answers commands, and handles
// payments. Heavy lifting happens in the worker; the bot only decides the
// route: short recordings run inline, everything else is dispatched to the
// async pipeline.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stenobot/steno/internal/drive"
	"github.com/stenobot/steno/internal/observe"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/internal/worker"
	"github.com/stenobot/steno/pkg/telegram"
)

// Store is the persistence surface the bot needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	CreateUser(ctx context.Context, u store.User) error
	CreateTrialRequest(ctx context.Context, userID int64, grantedMinutes int) error
	CountUsers(ctx context.Context) (int, error)
	CountJobs(ctx context.Context) (total, completed int, err error)
	GetSettings(ctx context.Context, userID int64) (store.Settings, error)
	SaveSettings(ctx context.Context, st store.Settings) error
	AdjustBalance(ctx context.Context, userID int64, delta int) (int, error)
	CreateJob(ctx context.Context, j store.Job) error
	MarkJobDegraded(ctx context.Context, id string) error
	AppendPaymentLog(ctx context.Context, userID int64, minutes, amount int, currency, payload string) error
}

// Chat is the outbound messaging surface.
type Chat interface {
	SendMessage(ctx context.Context, p telegram.SendMessageParams) (*telegram.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendInvoice(ctx context.Context, p telegram.SendInvoiceParams) (*telegram.Message, error)
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errMessage string) error
}

// Runner executes jobs inline. *worker.Worker satisfies it.
type Runner interface {
	RunJob(ctx context.Context, jobID, route string) (worker.Outcome, error)
	Sweep(ctx context.Context) (int, error)
}

// Publisher enqueues async jobs.
type Publisher interface {
	Publish(ctx context.Context, body string) error
}

// Resolver turns cloud-drive share links into direct download URLs.
// *drive.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, link string) (string, error)
}

// Config tunes bot behaviour.
type Config struct {
	// SyncThresholdSec routes recordings shorter than this inline.
	SyncThresholdSec float64

	// RatePerSec is the per-user ingress rate limit.
	RatePerSec int

	// TrialMinutes is the balance granted to a first-time user.
	TrialMinutes int

	// AdminIDs bypass the rate limit and may run admin commands.
	AdminIDs []int64

	// PaymentToken enables /buy invoices when set.
	PaymentToken string

	// WorkerURL, when set, is tried first for async dispatch before the
	// queue.
	WorkerURL string
}

// directInvokeTimeout bounds the direct worker dispatch attempt. The worker
// acknowledges and runs the job in the background, so this only covers the
// handoff.
const directInvokeTimeout = 3 * time.Second

type Bot struct {
	store   Store
	chat    Chat
	runner  Runner
	queue   Publisher
	drive   Resolver
	limiter *Limiter
	hc      *http.Client
	cfg     Config
	admins  map[int64]bool
}

// Deps are the bot's collaborators. Store, Chat and Runner are required;
// Queue and Drive degrade gracefully when nil.
type Deps struct {
	Store      Store
	Chat       Chat
	Runner     Runner
	Queue      Publisher
	Drive      Resolver
	HTTPClient *http.Client
}

func New(deps Deps, cfg Config) *Bot {
	if cfg.SyncThresholdSec <= 0 {
		cfg.SyncThresholdSec = 15
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.TrialMinutes <= 0 {
		cfg.TrialMinutes = 30
	}
	hc := deps.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: directInvokeTimeout}
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Bot{
		store:   deps.Store,
		chat:    deps.Chat,
		runner:  deps.Runner,
		queue:   deps.Queue,
		drive:   deps.Drive,
		limiter: NewLimiter(cfg.RatePerSec),
		hc:      hc,
		cfg:     cfg,
		admins:  admins,
	}
}

// HandleUpdate routes one webhook update. Errors are for the caller's log;
// the webhook response is 200 either way so the platform does not retry
// updates we have already acted on.
func (b *Bot) HandleUpdate(ctx context.Context, u *telegram.Update) error {
	ctx, span := observe.StartSpan(ctx, "handle_update")
	defer span.End()

	switch {
	case u.PreCheckoutQuery != nil:
		return b.handlePreCheckout(ctx, u.PreCheckoutQuery)
	case u.Message == nil || u.Message.From == nil:
		return nil
	case u.Message.SuccessfulPayment != nil:
		return b.handlePayment(ctx, u.Message)
	case strings.HasPrefix(u.Message.Text, "/"):
		return b.handleCommand(ctx, u.Message)
	case hasMedia(u.Message):
		return b.handleMedia(ctx, u.Message)
	case drive.IsShareLink(u.Message.Text):
		return b.handleDriveLink(ctx, u.Message)
	default:
		b.send(ctx, u.Message.Chat.ID, msgUsageHint)
		return nil
	}
}

func hasMedia(m *telegram.Message) bool {
	return m.Voice != nil || m.Audio != nil || m.Video != nil || m.VideoNote != nil || m.Document != nil
}

// attachment flattens the platform's five media kinds into what the
// pipeline needs.
func attachment(m *telegram.Message) (fileID string, durationSec float64, fileName string) {
	switch {
	case m.Voice != nil:
		return m.Voice.FileID, float64(m.Voice.Duration), ""
	case m.Audio != nil:
		return m.Audio.FileID, float64(m.Audio.Duration), m.Audio.FileName
	case m.Video != nil:
		return m.Video.FileID, float64(m.Video.Duration), m.Video.FileName
	case m.VideoNote != nil:
		return m.VideoNote.FileID, float64(m.VideoNote.Duration), ""
	case m.Document != nil:
		// Documents carry no duration; it is probed by the worker.
		return m.Document.FileID, 0, m.Document.FileName
	default:
		return "", 0, ""
	}
}

// ensureUser loads the sender, creating the account with a trial balance on
// first contact.
func (b *Bot) ensureUser(ctx context.Context, from *telegram.User) (*store.User, error) {
	u, err := b.store.GetUser(ctx, from.ID)
	if err == nil {
		return u, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("bot: load user %d: %w", from.ID, err)
	}

	nu := store.User{
		ID:        from.ID,
		Username:  from.Username,
		FirstName: from.FirstName,
		Balance:   b.cfg.TrialMinutes,
		IsAdmin:   b.admins[from.ID],
	}
	if err := b.store.CreateUser(ctx, nu); err != nil {
		if err == store.ErrAlreadyExists {
			return b.store.GetUser(ctx, from.ID)
		}
		return nil, fmt.Errorf("bot: create user %d: %w", from.ID, err)
	}
	if err := b.store.CreateTrialRequest(ctx, from.ID, b.cfg.TrialMinutes); err != nil {
		slog.Warn("trial request record failed", "user_id", from.ID, "error", err)
	}
	b.notifyAdmins(ctx, fmt.Sprintf("новый пользователь: %s (%d), пробные %d мин", from.DisplayName(), from.ID, b.cfg.TrialMinutes))
	slog.Info("user created", "user_id", from.ID, "trial_minutes", b.cfg.TrialMinutes)
	return &nu, nil
}

// Dispatch pushes an accepted job onto the async path: direct worker
// invoke first, the queue second, and inline execution as the degraded
// last resort so the job is never lost. The signed-upload API reuses it for
// jobs created outside the chat flow.
func (b *Bot) Dispatch(ctx context.Context, jobID string) {
	body, err := json.Marshal(worker.Envelope{JobID: jobID, TraceID: observe.TraceID(ctx)})
	if err != nil {
		slog.Error("envelope marshal failed", "job_id", jobID, "error", err)
		return
	}

	if b.cfg.WorkerURL != "" {
		err := b.invokeWorker(ctx, body)
		if err == nil {
			return
		}
		slog.Warn("direct worker invoke failed, queueing", "job_id", jobID, "error", err)
	}

	if b.queue != nil {
		err := b.queue.Publish(ctx, string(body))
		if err == nil {
			return
		}
		slog.Error("queue publish failed, degrading to sync", "job_id", jobID, "error", err)
	}

	if err := b.store.MarkJobDegraded(ctx, jobID); err != nil {
		slog.Warn("degraded mark failed", "job_id", jobID, "error", err)
	}
	if _, err := b.runner.RunJob(ctx, jobID, "sync"); err != nil {
		slog.Error("degraded inline run failed", "job_id", jobID, "error", err)
	}
}

func (b *Bot) invokeWorker(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, directInvokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.WorkerURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("bot: worker invoke: status %d", resp.StatusCode)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	_, err := b.chat.SendMessage(ctx, telegram.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		slog.Warn("message send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) notifyAdmins(ctx context.Context, text string) {
	for _, id := range b.cfg.AdminIDs {
		b.send(ctx, id, text)
	}
}
