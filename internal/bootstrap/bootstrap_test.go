package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(common.LogConfig{Level: "warn", Format: "json"}, &buf)
	log.Info("dropped")
	log.Warn("kept", "visit_id", "VIS_1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "VIS_1", line["visit_id"])
}

func TestOpenStore_SQLite(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := NewLogger(common.LogConfig{Level: "error"}, &buf)
	dsn := "file:" + filepath.Join(t.TempDir(), "visits.db")

	st, err := OpenStore(ctx, common.DatabaseConfig{Driver: "sqlite", DSN: dsn}, logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Health(ctx))

	v, err := st.Visits.Create(ctx, entity.DocumentRef{Ref: "ab/x.png", Filename: "x.png", Ext: "png", Size: 1}, nil)
	require.NoError(t, err)
	got, err := st.Visits.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	var buf bytes.Buffer
	_, err := OpenStore(context.Background(), common.DatabaseConfig{Driver: "mongo"}, NewLogger(common.LogConfig{}, &buf))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = NewCompleter(common.LLMConfig{Provider: "llama"}, NewLogger(common.LogConfig{}, &buf))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestNewCompleter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(common.LogConfig{}, &buf)
	for _, p := range []string{"openai", "anthropic"} {
		c, err := NewCompleter(common.LLMConfig{Provider: p, OpenAIAPIKey: "k", AnthropicAPIKey: "k", RatePerSec: 1, Burst: 1}, logger)
		require.NoError(t, err, p)
		assert.NotNil(t, c)
	}
}
