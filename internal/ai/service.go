package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/chartqueue/internal/analysis"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

const maxSummaryBytes = 2000

// AnalysisService runs one chart through the image analyzer with the user's
// fresh prior analyses as context, and stores the result per timeframe.
type AnalysisService struct {
	provider models.ImageAnalyzer
	store    store.AnalysisStore
	prefs    store.PreferenceStore
	timeout  time.Duration
	now      func() time.Time
}

// NewAnalysisService creates a new AnalysisService. prefs may be nil, in which
// case no trade style is passed to the analyzer.
func NewAnalysisService(provider models.ImageAnalyzer, st store.AnalysisStore, prefs store.PreferenceStore, timeout time.Duration) *AnalysisService {
	return &AnalysisService{
		provider: provider,
		store:    st,
		prefs:    prefs,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Provider returns the name of the underlying analyzer.
func (s *AnalysisService) Provider() string {
	return s.provider.Name()
}

// AnalyzeChart analyzes image for userID and upserts the result. Provider failures
// are returned as ErrInferenceTimeout, ErrInvalidResponse or ErrProviderUnavailable.
func (s *AnalysisService) AnalyzeChart(ctx context.Context, userID string, image []byte, mediaType string) (*models.UserAnalysis, error) {
	prior := s.priorContext(ctx, userID)

	analyzeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.provider.Analyze(analyzeCtx, models.ChartRequest{
		Image:      image,
		MediaType:  mediaType,
		Context:    prior,
		TradeStyle: s.tradeStyle(ctx, userID),
	})
	if err != nil {
		return nil, classifyError(err)
	}

	tf := analysis.NormalizeTimeframe(result.Timeframe)
	if tf == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, analysis.ErrNoTimeframe)
	}
	payload := result.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}

	a := &models.UserAnalysis{
		UserID:     userID,
		Timeframe:  tf,
		AnalyzedAt: s.now().UTC().Truncate(time.Microsecond),
		Payload:    payload,
		Summary:    truncateString(result.Summary, maxSummaryBytes),
	}
	if err := s.store.SaveAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("storing analysis: %w", err)
	}
	return a, nil
}

// priorContext selects fresh earlier analyses. A failed lookup only costs context.
func (s *AnalysisService) priorContext(ctx context.Context, userID string) []models.UserAnalysis {
	rows, err := s.store.ListAnalyses(ctx, userID)
	if err != nil {
		slog.Warn("prior analyses unavailable", "user_id", userID, "error", err)
		return nil
	}
	fresh := analysis.FreshAnalyses(rows, s.now())
	selected := analysis.SelectContext(fresh, analysis.LikelyCurrentTimeframe(fresh))

	out := make([]models.UserAnalysis, 0, len(selected))
	for _, r := range selected {
		out = append(out, *r)
	}
	return out
}

// tradeStyle looks up the user's preference. A failed lookup analyzes without one.
func (s *AnalysisService) tradeStyle(ctx context.Context, userID string) models.TradeStyle {
	if s.prefs == nil {
		return ""
	}
	style, err := s.prefs.TradeStyle(ctx, userID)
	if err != nil {
		slog.Warn("trade style unavailable", "user_id", userID, "error", err)
		return ""
	}
	return style
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
