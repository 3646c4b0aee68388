package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for LINE Messaging API failures.
var (
	ErrLINEUnreachable = errors.New("line api unreachable")
	ErrLINERequest     = errors.New("line api request rejected")
	ErrLINETimeout     = errors.New("line api timeout")
)

const (
	// MaxTextLength is the longest text message LINE accepts, in characters.
	MaxTextLength = 5000
	// maxContentBytes bounds downloaded message content.
	maxContentBytes = 20 << 20
)

// Client is the interface for the LINE Messaging API.
type Client interface {
	Reply(ctx context.Context, replyToken, text string, quick ...QuickReplyItem) error
	Push(ctx context.Context, userID, text string) error
	Content(ctx context.Context, messageID string) (*Content, error)
}

// Content is the binary payload of an image message.
type Content struct {
	Data        []byte
	ContentType string
}

// HTTPClient implements Client using LINE's HTTP API.
type HTTPClient struct {
	apiBaseURL  string
	dataBaseURL string
	accessToken string
	client      *http.Client
}

// NewHTTPClient creates a new LINE HTTP client. apiBaseURL serves messages and
// dataBaseURL serves content downloads.
func NewHTTPClient(apiBaseURL, dataBaseURL, accessToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		dataBaseURL: strings.TrimRight(dataBaseURL, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

type textMessage struct {
	Type       string      `json:"type"`
	Text       string      `json:"text"`
	QuickReply *quickReply `json:"quickReply,omitempty"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

// Reply answers a webhook event. quick, when given, is shown as buttons under
// the message.
func (c *HTTPClient) Reply(ctx context.Context, replyToken, text string, quick ...QuickReplyItem) error {
	if replyToken == "" {
		return fmt.Errorf("%w: empty reply token", ErrLINERequest)
	}
	msg := newTextMessage(text)
	msg.QuickReply = newQuickReply(quick)
	return c.postJSON(ctx, "/v2/bot/message/reply", replyRequest{
		ReplyToken: replyToken,
		Messages:   []textMessage{msg},
	})
}

func (c *HTTPClient) Push(ctx context.Context, userID, text string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty recipient", ErrLINERequest)
	}
	return c.postJSON(ctx, "/v2/bot/message/push", pushRequest{
		To:       userID,
		Messages: []textMessage{newTextMessage(text)},
	})
}

func (c *HTTPClient) Content(ctx context.Context, messageID string) (*Content, error) {
	u := fmt.Sprintf("%s/v2/bot/message/%s/content", c.dataBaseURL, url.PathEscape(messageID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("content", resp.StatusCode, "")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes+1))
	if err != nil {
		return nil, classifyError(err)
	}
	if len(data) > maxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrLINERequest, maxContentBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &Content{Data: data, ContentType: contentType}, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// statusError maps a non-200 response to a sentinel. Server errors and 429
// are transient and map to ErrLINEUnreachable; any other status is a
// rejection of this request and will not succeed on retry.
func statusError(op string, status int, detail string) error {
	sentinel := ErrLINERequest
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		sentinel = ErrLINEUnreachable
	}
	if detail == "" {
		return fmt.Errorf("%w: %s status %d", sentinel, op, status)
	}
	return fmt.Errorf("%w: %s status %d: %s", sentinel, op, status, detail)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
}

func newTextMessage(text string) textMessage {
	return textMessage{Type: "text", Text: TruncateText(text)}
}

// TruncateText shortens text to MaxTextLength characters without splitting runes.
func TruncateText(text string) string {
	return truncateRunes(text, MaxTextLength)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrLINETimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrLINETimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrLINEUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
