// Package bot implements the Telegram command surface: subscription
// management for everyone, operational status for owners.
package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"filingbot/internal/queue"
	"filingbot/internal/quota"
	"filingbot/internal/storage"
	kit "filingbot/internal/transport"
	logx "filingbot/pkg/logx"
)

// Sender is the outbound half of the transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type StatusSource interface {
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

type QuotaSource interface {
	Snapshot(ctx context.Context) (quota.Usage, error)
}

// TickerChecker reports whether a ticker is known to EDGAR. Nil disables the
// check and /sub accepts any symbol.
type TickerChecker interface {
	CIK(ctx context.Context, ticker string) (int, bool, error)
}

type Router struct {
	db      *storage.DB
	sender  Sender
	jobs    StatusSource
	usage   QuotaSource
	tickers TickerChecker
	isOwner func(userID int64) bool
	log     logx.Logger
}

func NewRouter(db *storage.DB, sender Sender, jobs StatusSource, usage QuotaSource, tickers TickerChecker, isOwner func(int64) bool, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if isOwner == nil {
		isOwner = func(int64) bool { return false }
	}
	return &Router{db: db, sender: sender, jobs: jobs, usage: usage, tickers: tickers, isOwner: isOwner, log: log}
}

// HandleUpdate dispatches one incoming update. Unknown commands and plain
// text in groups are ignored.
func (r *Router) HandleUpdate(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil {
		return
	}
	cmd, arg := splitCommand(m.Text)
	if cmd == "" {
		return
	}

	var reply string
	switch cmd {
	case "/start", "/help":
		reply = helpText
	case "/sub":
		reply = r.subscribe(ctx, m.FromID, arg)
	case "/unsub":
		reply = r.unsubscribe(ctx, m.FromID, arg)
	case "/list":
		reply = r.list(ctx, m.FromID)
	case "/status":
		if !r.isOwner(m.FromID) {
			return
		}
		reply = r.status(ctx)
	default:
		return
	}
	if reply == "" {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := r.sender.SendText(sctx, kit.ChatTarget{ChatID: m.ChatID}, reply, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	}); err != nil {
		r.log.Warn("command reply failed",
			logx.String("command", cmd), logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

const helpText = `<b>SEC filing watcher</b>
I watch EDGAR for new filings (10-K, 10-Q, 8-K) from companies you follow and send you an AI summary of each one.

/sub TICKER — follow a company
/unsub TICKER — stop following
/list — what you follow`

// splitCommand extracts "/cmd" and its first argument, tolerating the
// "/cmd@BotName" group form.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

func (r *Router) subscribe(ctx context.Context, userID int64, arg string) string {
	ticker := storage.NormalizeTicker(arg)
	if ticker == "" {
		return "Usage: /sub TICKER (e.g. /sub AAPL)"
	}
	if r.tickers != nil {
		_, known, err := r.tickers.CIK(ctx, ticker)
		if err != nil {
			// Registry lookup failing is no reason to refuse; discovery
			// re-resolves on every sweep anyway.
			r.log.Warn("ticker check unavailable", logx.String("ticker", ticker), logx.Err(err))
		} else if !known {
			return fmt.Sprintf("<b>%s</b> doesn't look like a listed US ticker.", html.EscapeString(ticker))
		}
	}
	added, err := r.db.AddSubscription(ctx, userID, ticker)
	if err != nil {
		r.log.Error("subscribe failed", logx.String("ticker", ticker), logx.Err(err))
		return "Something went wrong, try again later."
	}
	if !added {
		return fmt.Sprintf("You already follow <b>%s</b>.", html.EscapeString(ticker))
	}
	return fmt.Sprintf("Following <b>%s</b>. New filings will be analyzed and sent here.", html.EscapeString(ticker))
}

func (r *Router) unsubscribe(ctx context.Context, userID int64, arg string) string {
	ticker := storage.NormalizeTicker(arg)
	if ticker == "" {
		return "Usage: /unsub TICKER"
	}
	removed, err := r.db.RemoveSubscription(ctx, userID, ticker)
	if err != nil {
		r.log.Error("unsubscribe failed", logx.String("ticker", ticker), logx.Err(err))
		return "Something went wrong, try again later."
	}
	if !removed {
		return fmt.Sprintf("You don't follow <b>%s</b>.", html.EscapeString(ticker))
	}
	return fmt.Sprintf("Stopped following <b>%s</b>.", html.EscapeString(ticker))
}

func (r *Router) list(ctx context.Context, userID int64) string {
	tickers, err := r.db.UserTickers(ctx, userID)
	if err != nil {
		r.log.Error("list failed", logx.Err(err))
		return "Something went wrong, try again later."
	}
	if len(tickers) == 0 {
		return "You don't follow any companies yet. Try /sub AAPL."
	}
	var b strings.Builder
	b.WriteString("<b>You follow:</b>\n")
	for _, t := range tickers {
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(t))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) status(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("<b>Queue</b>\n")
	counts, err := r.jobs.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintf(&b, "unavailable: %s\n", html.EscapeString(err.Error()))
	} else {
		for _, st := range []queue.Status{queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusPermanentFail} {
			fmt.Fprintf(&b, "%s: %d\n", st, counts[st])
		}
	}

	b.WriteString("\n<b>AI quota</b>\n")
	u, err := r.usage.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(&b, "unavailable: %s\n", html.EscapeString(err.Error()))
	} else {
		fmt.Fprintf(&b, "minute: %d used\nday %s: %d used\n", u.MinuteUsed, u.Day, u.DayUsed)
	}
	return strings.TrimRight(b.String(), "\n")
}
