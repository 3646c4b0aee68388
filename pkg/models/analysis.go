package models

import (
	"encoding/json"
	"strings"
	"time"
)

// UserAnalysis is the latest stored chart analysis for one user and timeframe.
type UserAnalysis struct {
	UserID     string          `db:"user_id"     json:"user_id"`
	Timeframe  string          `db:"timeframe"   json:"timeframe"`
	AnalyzedAt time.Time       `db:"analyzed_at" json:"analyzed_at"`
	Payload    json.RawMessage `db:"payload"     json:"payload"`
	Summary    string          `db:"summary"     json:"summary"`
}

// TradeStyle is a user's preferred holding horizon. It steers how the analyzer
// weighs short-term signals.
type TradeStyle string

const (
	TradeStyleScalp TradeStyle = "scalp"
	TradeStyleSwing TradeStyle = "swing"
)

// ParseTradeStyle accepts a style name in any case. It reports false for
// anything other than scalp or swing.
func ParseTradeStyle(s string) (TradeStyle, bool) {
	switch TradeStyle(strings.ToLower(strings.TrimSpace(s))) {
	case TradeStyleScalp:
		return TradeStyleScalp, true
	case TradeStyleSwing:
		return TradeStyleSwing, true
	}
	return "", false
}
