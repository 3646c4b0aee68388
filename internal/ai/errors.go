package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/chartqueue/internal/analysis"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)

// classifyError maps a provider failure onto one of the package sentinels,
// keeping the original error in the chain.
func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrInferenceTimeout), errors.Is(err, ErrInvalidResponse):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrInferenceTimeout, err)
	case errors.Is(err, analysis.ErrEmptyResponse), errors.Is(err, analysis.ErrNoJSONObject),
		errors.Is(err, analysis.ErrNoTimeframe):
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	default:
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
}
