package mock

import (
	"context"
	"encoding/json"

	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

// MockProvider satisfies models.ImageAnalyzer for testing and AI_PROVIDER=mock.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req models.ChartRequest) (models.ChartAnalysis, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, req models.ChartRequest) (models.ChartAnalysis, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return models.ChartAnalysis{}, nil
}

// NewMockProvider returns a MockProvider that reports an H1 chart for any image.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req models.ChartRequest) (models.ChartAnalysis, error) {
			payload, _ := json.Marshal(map[string]any{
				"timeframe":      "H1",
				"trend":          "sideways",
				"context_used":   len(req.Context),
				"image_bytes":    len(req.Image),
				"summary":        "Mock analysis: range-bound price action",
				"key_levels":     []float64{},
				"recommendation": "wait",
			})
			return models.ChartAnalysis{
				Timeframe: "H1",
				Summary:   "Mock analysis: range-bound price action",
				Payload:   payload,
				Model:     "mock-v1",
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.ChartRequest) (models.ChartAnalysis, error) {
			return models.ChartAnalysis{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until the context is done.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.ChartRequest) (models.ChartAnalysis, error) {
			<-ctx.Done()
			return models.ChartAnalysis{}, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements ImageAnalyzer.
var _ models.ImageAnalyzer = (*MockProvider)(nil)
