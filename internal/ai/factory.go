package ai

import (
	"fmt"

	"github.com/kiranshivaraju/chartqueue/internal/ai/anthropic"
	"github.com/kiranshivaraju/chartqueue/internal/ai/mock"
	"github.com/kiranshivaraju/chartqueue/internal/config"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

// NewProvider constructs the image analyzer selected by config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.ImageAnalyzer, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of anthropic, mock", cfg.Provider)
	}
}
