// Package handler implements the HTTP handlers: the LINE webhook that feeds
// the job queue and the operator endpoints that inspect and repair it.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/analysis"
	mw "github.com/kiranshivaraju/chartqueue/internal/api/middleware"
	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
	"github.com/kiranshivaraju/chartqueue/internal/line"
	"github.com/kiranshivaraju/chartqueue/internal/queue"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

const (
	eventDedupTTL = 24 * time.Hour
	lastJobTTL    = 7 * 24 * time.Hour

	commandStatus           = "STATUS"
	commandSummary          = "SUMMARY"
	commandDeletePrefix     = "DELETE:"
	commandEditPrefix       = "EDIT:"
	commandManage           = "MANAGE_DATA"
	commandTradeStyle       = "TRADE_STYLE"
	commandTradeStylePrefix = "TRADE_STYLE:"
	commandMainMenu         = "MAIN_MENU"
)

var mainMenu = []line.QuickReplyItem{
	{Label: "📊 Queue status", Text: commandStatus},
	{Label: "📌 Summary", Text: commandSummary},
	{Label: "⚡ Scalp / swing", Text: commandTradeStyle},
	{Label: "🔧 Edit / delete", Text: commandManage},
}

var tradeStyleMenu = []line.QuickReplyItem{
	{Label: "⚡ Scalp", Text: commandTradeStylePrefix + "SCALP"},
	{Label: "🌊 Swing", Text: commandTradeStylePrefix + "SWING"},
	{Label: "⬅️ Main menu", Text: commandMainMenu},
}

// replyMessage is a text reply with optional quick-reply buttons.
type replyMessage struct {
	text  string
	quick []line.QuickReplyItem
}

func withMainMenu(text string) replyMessage {
	return replyMessage{text: text, quick: mainMenu}
}

// Queue is the part of queue.Manager the webhook uses.
type Queue interface {
	Enqueue(ctx context.Context, userID, sourceRef string) (*queue.Ticket, error)
	BuildStatusReport(ctx context.Context, userID string, jobID uuid.UUID, createdAt *time.Time) (*queue.StatusReport, error)
}

type Replier interface {
	Reply(ctx context.Context, replyToken, text string, quick ...line.QuickReplyItem) error
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int)
}

// Kicker wakes the worker for a user that just enqueued work.
type Kicker interface {
	Kick(userID string)
}

// WebhookDeps are the collaborators of the webhook handler.
type WebhookDeps struct {
	Queue       Queue
	Analyses    store.AnalysisStore
	Preferences store.PreferenceStore
	Cache       cache.Cache
	LINE        Replier
	Limiter     Limiter
	Worker      Kicker
}

// NewWebhookHandler returns an http.HandlerFunc for POST /webhook. It expects
// LINESignature to have verified the body. Every event is handled in order;
// the response is 200 unless a submission could not be stored, in which case
// it is 503 so LINE redelivers.
func NewWebhookHandler(d WebhookDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := mw.WebhookBody(r)
		if !ok {
			var err error
			if body, err = io.ReadAll(r.Body); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read body", nil)
				return
			}
		}

		req, err := line.ParseWebhook(body)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid webhook body", nil)
			return
		}

		handled := 0
		var failed error
		for _, ev := range req.Events {
			if err := d.handleEvent(r.Context(), ev); err != nil {
				failed = err
				continue
			}
			handled++
		}

		if failed != nil {
			response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
				"Submission could not be queued", nil)
			return
		}
		response.JSON(w, map[string]int{"events": len(req.Events), "handled": handled})
	}
}

// handleEvent returns an error only when an image could not be enqueued. The
// dedup mark is removed in that case so a redelivery is processed.
func (d WebhookDeps) handleEvent(ctx context.Context, ev line.Event) error {
	if ev.Type != line.EventMessage || ev.Message == nil {
		return nil
	}
	if ev.Source.Type != line.SourceUser || ev.Source.UserID == "" {
		return nil
	}

	dedupKey := ""
	if ev.WebhookEventID != "" {
		dedupKey = cache.WebhookEventKey(ev.WebhookEventID)
		first, err := d.Cache.MarkSeen(ctx, dedupKey, eventDedupTTL)
		if err != nil {
			slog.Warn("webhook dedup unavailable", "event_id", ev.WebhookEventID, "error", err)
			dedupKey = ""
		} else if !first {
			slog.Info("duplicate webhook event skipped", "event_id", ev.WebhookEventID)
			return nil
		}
	}

	userID := ev.Source.UserID
	switch ev.Message.Type {
	case line.MessageImage:
		if err := d.submitImage(ctx, userID, ev); err != nil {
			if dedupKey != "" {
				if derr := d.Cache.Delete(ctx, dedupKey); derr != nil {
					slog.Warn("clearing webhook dedup mark", "event_id", ev.WebhookEventID, "error", derr)
				}
			}
			return err
		}
	case line.MessageText:
		msg := d.command(ctx, userID, ev.Message.Text)
		d.reply(ctx, ev.ReplyToken, msg.text, msg.quick...)
	}
	return nil
}

func (d WebhookDeps) submitImage(ctx context.Context, userID string, ev line.Event) error {
	log := slog.With("user_id", userID, "message_id", ev.Message.ID)

	if allowed, _ := d.Limiter.Allow(ctx, "user:"+userID); !allowed {
		log.Warn("image submission rate limited")
		d.reply(ctx, ev.ReplyToken, "⏳ Too many images at once. Please wait a minute and send it again.")
		return nil
	}

	ticket, err := d.Queue.Enqueue(ctx, userID, ev.Message.ID)
	if err != nil {
		log.Error("enqueue failed", "error", err)
		d.reply(ctx, ev.ReplyToken, "⚠️ Could not queue your image right now. Please try again shortly.")
		return fmt.Errorf("enqueue: %w", err)
	}
	log.Info("image queued", "job_id", ticket.JobID, "duplicate", ticket.Duplicate)

	if err := d.Cache.SetLastJob(ctx, userID, ticket.JobID, lastJobTTL); err != nil {
		log.Warn("remembering last job", "error", err)
	}

	text := "✅ Image received"
	report, err := d.Queue.BuildStatusReport(ctx, userID, ticket.JobID, &ticket.CreatedAt)
	if err != nil {
		log.Warn("status report unavailable", "error", err)
	} else {
		text += "\n\n" + report.Text()
	}
	text += "\n\n📌 Send SUMMARY to see your results."

	d.Worker.Kick(userID)
	d.reply(ctx, ev.ReplyToken, text)
	return nil
}

func (d WebhookDeps) command(ctx context.Context, userID, text string) replyMessage {
	cmd := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case cmd == commandStatus:
		return withMainMenu(d.statusText(ctx, userID))
	case cmd == commandSummary:
		return withMainMenu(d.summaryText(ctx, userID))
	case strings.HasPrefix(cmd, commandDeletePrefix):
		return withMainMenu(d.deleteText(ctx, userID, strings.TrimPrefix(cmd, commandDeletePrefix)))
	case strings.HasPrefix(cmd, commandEditPrefix):
		return withMainMenu(d.editText(ctx, userID, strings.TrimPrefix(cmd, commandEditPrefix)))
	case cmd == commandManage:
		return d.manageMenu(ctx, userID)
	case cmd == commandTradeStyle:
		return d.tradeStyleMenu(ctx, userID)
	case strings.HasPrefix(cmd, commandTradeStylePrefix):
		return d.setTradeStyle(ctx, userID, strings.TrimPrefix(cmd, commandTradeStylePrefix))
	case cmd == commandMainMenu:
		return withMainMenu("📋 Main menu")
	case cmd == line.CancelText:
		return withMainMenu("Cancelled.")
	default:
		return withMainMenu("Send a chart image to analyze it.\n" +
			"Commands: STATUS, SUMMARY, DELETE:<timeframe>, EDIT:<from>:<to>, TRADE_STYLE")
	}
}

func (d WebhookDeps) statusText(ctx context.Context, userID string) string {
	jobID, _, err := d.Cache.GetLastJob(ctx, userID)
	if err != nil {
		slog.Warn("reading last job", "user_id", userID, "error", err)
	}
	report, err := d.Queue.BuildStatusReport(ctx, userID, jobID, nil)
	if err != nil {
		slog.Error("status report failed", "user_id", userID, "error", err)
		return "⚠️ Queue status is unavailable right now."
	}
	if report.TotalPending == 0 {
		return "📭 Your queue is empty."
	}
	return report.Text()
}

func (d WebhookDeps) summaryText(ctx context.Context, userID string) string {
	rows, err := d.Analyses.ListAnalyses(ctx, userID)
	if err != nil {
		slog.Error("listing analyses failed", "user_id", userID, "error", err)
		return "⚠️ Your analyses are unavailable right now."
	}
	if len(rows) == 0 {
		return "📭 No analyses yet. Send a chart image to start."
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("📌 Analysis summary")
	for _, a := range rows {
		age := queue.FormatSeconds(now.Sub(a.AnalyzedAt).Seconds())
		fmt.Fprintf(&b, "\n\n[%s] %s ago", a.Timeframe, age)
		if validity, ok := analysis.Validity(a.Timeframe); ok && now.Sub(a.AnalyzedAt) > validity {
			b.WriteString(" (stale)")
		}
		if a.Summary != "" {
			b.WriteString("\n" + a.Summary)
		}
	}
	return b.String()
}

func (d WebhookDeps) deleteText(ctx context.Context, userID, timeframe string) string {
	tf := analysis.NormalizeTimeframe(timeframe)
	if tf == "" {
		return "Usage: DELETE:<timeframe>, for example DELETE:H4"
	}
	err := d.Analyses.DeleteAnalysis(ctx, userID, tf)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No stored analysis for %s.", tf)
	case err != nil:
		slog.Error("deleting analysis failed", "user_id", userID, "timeframe", tf, "error", err)
		return "⚠️ Could not delete right now. Please try again."
	}
	return fmt.Sprintf("🗑️ Deleted the %s analysis.", tf)
}

// editText moves a stored analysis to a corrected timeframe. args is
// "<from>:<to>"; to must be a timeframe the analyzer can produce.
func (d WebhookDeps) editText(ctx context.Context, userID, args string) string {
	const usage = "Usage: EDIT:<from>:<to>, for example EDIT:H1:H4"
	fromRaw, toRaw, ok := strings.Cut(args, ":")
	if !ok {
		return usage
	}
	from, to := analysis.NormalizeTimeframe(fromRaw), analysis.NormalizeTimeframe(toRaw)
	if _, known := analysis.Validity(to); from == "" || !known {
		return usage
	}
	if from == to {
		return fmt.Sprintf("The analysis is already stored as %s.", to)
	}
	err := d.Analyses.MoveAnalysis(ctx, userID, from, to)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No stored analysis for %s.", from)
	case err != nil:
		slog.Error("moving analysis failed", "user_id", userID, "from", from, "to", to, "error", err)
		return "⚠️ Could not edit right now. Please try again."
	}
	return fmt.Sprintf("✏️ Moved the %s analysis to %s.", from, to)
}

// manageMenu offers one delete button per stored timeframe.
func (d WebhookDeps) manageMenu(ctx context.Context, userID string) replyMessage {
	rows, err := d.Analyses.ListAnalyses(ctx, userID)
	if err != nil {
		slog.Error("listing analyses failed", "user_id", userID, "error", err)
		return withMainMenu("⚠️ Your analyses are unavailable right now.")
	}
	if len(rows) == 0 {
		return withMainMenu("📭 No analyses yet. Send a chart image to start.")
	}

	tfs := make([]string, 0, len(rows))
	items := make([]line.QuickReplyItem, 0, len(rows))
	for _, a := range rows {
		tfs = append(tfs, a.Timeframe)
		items = append(items, line.QuickReplyItem{Label: "🗑️ Delete " + a.Timeframe, Text: commandDeletePrefix + a.Timeframe})
	}
	text := "🔧 Stored analyses: " + strings.Join(tfs, ", ") +
		"\n\nTap a timeframe to delete it, or send EDIT:<from>:<to> to correct one, for example EDIT:H1:H4."
	return replyMessage{text: text, quick: line.WithCancel(items)}
}

func (d WebhookDeps) tradeStyleMenu(ctx context.Context, userID string) replyMessage {
	text := "Choose your trading style."
	if d.Preferences != nil {
		style, err := d.Preferences.TradeStyle(ctx, userID)
		if err != nil {
			slog.Warn("reading trade style", "user_id", userID, "error", err)
		} else if style != "" {
			text = fmt.Sprintf("Your trading style is %s.\n%s", style, text)
		}
	}
	return replyMessage{text: text, quick: line.WithCancel(tradeStyleMenu)}
}

func (d WebhookDeps) setTradeStyle(ctx context.Context, userID, arg string) replyMessage {
	style, ok := models.ParseTradeStyle(arg)
	if !ok {
		return replyMessage{text: "Choose SCALP or SWING.", quick: line.WithCancel(tradeStyleMenu)}
	}
	if d.Preferences == nil {
		return withMainMenu("⚠️ Preferences are unavailable right now.")
	}
	if err := d.Preferences.SetTradeStyle(ctx, userID, style); err != nil {
		slog.Error("saving trade style failed", "user_id", userID, "error", err)
		return withMainMenu("⚠️ Could not save your trading style. Please try again.")
	}
	return withMainMenu(fmt.Sprintf("✅ Trading style set to %s. It applies to your next chart.", style))
}

func (d WebhookDeps) reply(ctx context.Context, replyToken, text string, quick ...line.QuickReplyItem) {
	if replyToken == "" {
		return
	}
	if err := d.LINE.Reply(ctx, replyToken, text, quick...); err != nil {
		slog.Warn("line reply failed", "error", err)
	}
}
