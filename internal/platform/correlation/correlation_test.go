package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUnique(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestIDRoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "abcd1234")
	assert.Equal(t, "abcd1234", ID(ctx))
	assert.Empty(t, ID(context.Background()))
}

func TestHandlerInjectsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithID(context.Background(), "abcd1234")
	logger.InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abcd1234", entry["correlation_id"])
}

func TestHandlerOmitsMissingID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, present := entry["correlation_id"]
	assert.False(t, present)
}
