package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", InstanceID(ctx))
	assert.Equal(t, "", WorkflowType(ctx))
	assert.Equal(t, "", Step(ctx))

	ctx = WithInstanceID(ctx, "inst-123")
	ctx = WithWorkflowType(ctx, "deal_to_project")
	ctx = WithStep(ctx, "create_project")

	assert.Equal(t, "inst-123", InstanceID(ctx))
	assert.Equal(t, "deal_to_project", WorkflowType(ctx))
	assert.Equal(t, "create_project", Step(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithInstanceID(context.Background(), "inst-abc")
	ctx = WithStep(ctx, "create_phases")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "instance_id=inst-abc")
	assert.Contains(t, output, "step=create_phases")
	assert.NotContains(t, output, "workflow_type=")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithInstanceID(context.Background(), "inst-9")
	ctx = WithWorkflowType(ctx, "invoice_payment")
	logger.With("component", "runner").InfoContext(ctx, "step completed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "inst-9", rec["instance_id"])
	assert.Equal(t, "invoice_payment", rec["workflow_type"])
	assert.Equal(t, "runner", rec["component"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "json")
	logger.Debug("hidden")
	logger.InfoContext(WithStep(context.Background(), "notify_team"), "shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "notify_team", rec["step"])
}
