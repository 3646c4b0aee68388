// Package models contains shared data models used across the chartqueue codebase.
package models

import (
	"context"
	"encoding/json"
)

// ImageAnalyzer is the core interface that all image-understanding integrations must implement.
// Callers depend on this interface rather than on a concrete provider.
type ImageAnalyzer interface {
	// Analyze reads a chart image and returns a structured analysis.
	Analyze(ctx context.Context, req ChartRequest) (ChartAnalysis, error)
	// Name returns the provider identifier (e.g., "anthropic", "mock").
	Name() string
}

// ChartRequest is the input to an image analysis.
type ChartRequest struct {
	Image     []byte
	MediaType string
	// Context holds earlier analyses for the same user, ordered from higher to lower timeframe.
	Context []UserAnalysis
	// TradeStyle is the user's holding horizon; empty means no preference.
	TradeStyle TradeStyle
}

// ChartAnalysis is the output of an image analysis.
type ChartAnalysis struct {
	Timeframe string
	Summary   string
	Payload   json.RawMessage
	Model     string
}
