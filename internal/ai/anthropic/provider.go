package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kiranshivaraju/chartqueue/internal/analysis"
	"github.com/kiranshivaraju/chartqueue/internal/config"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

const systemPrompt = `You are a technical analyst reading a single trading chart screenshot.
Reply with one JSON object and nothing else. Required fields:
  "timeframe": the chart timeframe as one of M1, M5, M15, M30, H1, H4, 1D, 1W
  "trend": "up", "down" or "sideways"
  "key_levels": array of notable support and resistance prices
  "summary": two or three sentences for the trader
Optional fields: "pattern", "recommendation", "confidence" (0 to 1).
When earlier analyses of higher timeframes are supplied, keep your reading consistent with them.`

const defaultMaxTokens = 2048

// Provider implements models.ImageAnalyzer using the Anthropic Messages API.
type Provider struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewProvider builds a Provider from config. Extra request options are applied
// after the config-derived ones.
func NewProvider(cfg config.AnthropicConfig, opts ...option.RequestOption) *Provider {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		client:    sdk.NewClient(clientOpts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Analyze(ctx context.Context, req models.ChartRequest) (models.ChartAnalysis, error) {
	if len(req.Image) == 0 {
		return models.ChartAnalysis{}, fmt.Errorf("anthropic: empty image")
	}
	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}

	prompt, err := userPrompt(req)
	if err != nil {
		return models.ChartAnalysis{}, err
	}

	msg, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(req.Image)),
				sdk.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return models.ChartAnalysis{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	payload, err := analysis.ExtractJSON(text.String())
	if err != nil {
		return models.ChartAnalysis{}, fmt.Errorf("anthropic reply: %w", err)
	}
	tf, err := analysis.Timeframe(payload)
	if err != nil {
		return models.ChartAnalysis{}, fmt.Errorf("anthropic reply: %w", err)
	}

	var body struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal(payload, &body)

	return models.ChartAnalysis{
		Timeframe: tf,
		Summary:   body.Summary,
		Payload:   payload,
		Model:     string(msg.Model),
	}, nil
}

type contextEntry struct {
	Timeframe  string          `json:"timeframe"`
	AnalyzedAt string          `json:"analyzed_at"`
	Analysis   json.RawMessage `json:"analysis"`
}

var styleHints = map[models.TradeStyle]string{
	models.TradeStyleScalp: "The trader scalps: favor intraday levels and quick entries and exits.",
	models.TradeStyleSwing: "The trader swings: favor multi-day structure and wider stops.",
}

func userPrompt(req models.ChartRequest) (string, error) {
	prompt := "Analyze this chart."
	if hint, ok := styleHints[req.TradeStyle]; ok {
		prompt += " " + hint
	}
	if len(req.Context) == 0 {
		return prompt + " No earlier analyses are available.", nil
	}
	entries := make([]contextEntry, 0, len(req.Context))
	for _, a := range req.Context {
		payload := a.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		entries = append(entries, contextEntry{
			Timeframe:  a.Timeframe,
			AnalyzedAt: a.AnalyzedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Analysis:   payload,
		})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode analysis context: %w", err)
	}
	return prompt + " Earlier analyses, higher timeframe first:\n" + string(raw), nil
}

var _ models.ImageAnalyzer = (*Provider)(nil)
