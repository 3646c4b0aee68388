package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mw "github.com/kiranshivaraju/chartqueue/internal/api/middleware"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
	"github.com/kiranshivaraju/chartqueue/internal/line"
	"github.com/kiranshivaraju/chartqueue/internal/queue"
	"github.com/kiranshivaraju/chartqueue/internal/store/storetest"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
	"github.com/stretchr/testify/require"
)

const testSecret = "channel-secret"

// --- fakes ---

type sentReply struct {
	Token string
	Text  string
	Quick []line.QuickReplyItem
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (f *fakeReplier) Reply(_ context.Context, replyToken, text string, quick ...line.QuickReplyItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{Token: replyToken, Text: text, Quick: quick})
	return nil
}

func (f *fakeReplier) Replies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.replies...)
}

type fakeKicker struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeKicker) Kick(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

func (f *fakeKicker) Kicked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

// --- harness ---

type harness struct {
	st      *storetest.Memory
	manager *queue.Manager
	cache   *cache.RedisCache
	replier *fakeReplier
	kicker  *fakeKicker
	limiter *mw.RateLimit
}

func newHarness(t *testing.T, ratePerMin int) *harness {
	t.Helper()
	var mu sync.Mutex
	tick := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}

	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	st := storetest.NewMemory()
	return &harness{
		st:      st,
		manager: queue.NewManager(st, queue.Options{Now: clock}),
		cache:   c,
		replier: &fakeReplier{},
		kicker:  &fakeKicker{},
		limiter: mw.NewRateLimit(c, ratePerMin),
	}
}

func (h *harness) webhook() http.Handler {
	return mw.LINESignature(testSecret)(NewWebhookHandler(WebhookDeps{
		Queue:       h.manager,
		Analyses:    h.st,
		Preferences: h.st,
		Cache:       h.cache,
		LINE:        h.replier,
		Limiter:     h.limiter,
		Worker:      h.kicker,
	}))
}

func (h *harness) post(t *testing.T, events ...line.Event) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(line.WebhookRequest{Destination: "Ubot", Events: events})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(line.SignatureHeader, line.Sign(body, testSecret))
	w := httptest.NewRecorder()
	h.webhook().ServeHTTP(w, req)
	return w
}

func (h *harness) countState(userID string, state models.JobState) int {
	n := 0
	for _, j := range h.st.Jobs(userID) {
		if j.State == state {
			n++
		}
	}
	return n
}

func imageEvent(eventID, userID, messageID string) line.Event {
	return line.Event{
		Type:           line.EventMessage,
		WebhookEventID: eventID,
		ReplyToken:     "rt-" + eventID,
		Source:         line.Source{Type: line.SourceUser, UserID: userID},
		Message:        &line.Message{ID: messageID, Type: line.MessageImage},
	}
}

func textEvent(eventID, userID, text string) line.Event {
	return line.Event{
		Type:           line.EventMessage,
		WebhookEventID: eventID,
		ReplyToken:     "rt-" + eventID,
		Source:         line.Source{Type: line.SourceUser, UserID: userID},
		Message:        &line.Message{ID: "t-" + eventID, Type: line.MessageText, Text: text},
	}
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func decodeErrCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code
}
