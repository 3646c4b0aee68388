package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyResponse = errors.New("empty model response")
	ErrNoJSONObject  = errors.New("no JSON object in model response")
	ErrNoTimeframe   = errors.New("analysis has no timeframe")
)

var reFence = regexp.MustCompile("(?i)```(json)?")

// ExtractJSON pulls the outermost JSON object out of a model reply that may be
// wrapped in markdown fences or surrounded by prose.
func ExtractJSON(raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}
	cleaned := strings.TrimSpace(reFence.ReplaceAllString(raw, ""))

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end <= start {
		return nil, ErrNoJSONObject
	}
	candidate := []byte(cleaned[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("%w: malformed object", ErrNoJSONObject)
	}
	return json.RawMessage(candidate), nil
}

// Timeframe reads the "timeframe" field of an analysis payload, normalized.
func Timeframe(payload json.RawMessage) (string, error) {
	var head struct {
		Timeframe string `json:"timeframe"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("decode analysis payload: %w", err)
	}
	tf := NormalizeTimeframe(head.Timeframe)
	if tf == "" {
		return "", ErrNoTimeframe
	}
	return tf, nil
}
