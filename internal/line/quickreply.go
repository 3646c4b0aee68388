package line

import "unicode/utf8"

const (
	// MaxQuickReplyItems is the most buttons LINE renders under one message.
	MaxQuickReplyItems = 13
	maxQuickReplyLabel = 20

	// CancelText is sent by the cancel button.
	CancelText  = "CANCEL"
	cancelLabel = "❌ Cancel"
)

// QuickReplyItem is a button under a reply. Tapping it sends Text as a
// message from the user.
type QuickReplyItem struct {
	Label string
	Text  string
}

// WithCancel returns a copy of items ending in a cancel button. Items that
// already offer cancel are returned unchanged. A full menu loses its last item
// to the cancel button.
func WithCancel(items []QuickReplyItem) []QuickReplyItem {
	for _, it := range items {
		if it.Text == CancelText {
			return items
		}
	}
	out := make([]QuickReplyItem, 0, len(items)+1)
	out = append(out, items...)
	if len(out) >= MaxQuickReplyItems {
		out = out[:MaxQuickReplyItems-1]
	}
	return append(out, QuickReplyItem{Label: cancelLabel, Text: CancelText})
}

type quickReply struct {
	Items []quickReplyButton `json:"items"`
}

type quickReplyButton struct {
	Type   string        `json:"type"`
	Action messageAction `json:"action"`
}

type messageAction struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// newQuickReply converts items to the wire form, dropping anything past
// MaxQuickReplyItems. It returns nil for an empty menu.
func newQuickReply(items []QuickReplyItem) *quickReply {
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxQuickReplyItems {
		items = items[:MaxQuickReplyItems]
	}
	q := &quickReply{Items: make([]quickReplyButton, 0, len(items))}
	for _, it := range items {
		q.Items = append(q.Items, quickReplyButton{
			Type:   "action",
			Action: messageAction{Type: "message", Label: truncateRunes(it.Label, maxQuickReplyLabel), Text: it.Text},
		})
	}
	return q
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
