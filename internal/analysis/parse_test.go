package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain object", `{"timeframe":"H4"}`, `{"timeframe":"H4"}`},
		{"json fence", "```json\n{\"timeframe\":\"H1\"}\n```", `{"timeframe":"H1"}`},
		{"bare fence uppercase", "```JSON\n{\"a\":1}```", `{"a":1}`},
		{"surrounding prose", "Here is the analysis: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(got))
		})
	}
}

func TestExtractJSON_Errors(t *testing.T) {
	_, err := ExtractJSON("   ")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = ExtractJSON("no object here")
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = ExtractJSON("} backwards {")
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = ExtractJSON(`{"a": }`)
	assert.ErrorIs(t, err, ErrNoJSONObject)
}

func TestTimeframe(t *testing.T) {
	tf, err := Timeframe([]byte(`{"timeframe":"d1","trend":"up"}`))
	require.NoError(t, err)
	assert.Equal(t, "1D", tf)

	_, err = Timeframe([]byte(`{"trend":"up"}`))
	assert.ErrorIs(t, err, ErrNoTimeframe)

	_, err = Timeframe([]byte(`[1,2]`))
	assert.Error(t, err)
}
