//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"job-coordinator/internal/config"
)

func TestWith(t *testing.T) {
	t.Run("should attach context fields that are set", func(t *testing.T) {
		// --- Arrange ---
		var buf bytes.Buffer
		base := newWithWriter(config.LogConfig{Level: "debug", Format: "json"}, false, &buf)
		ctx := WithQueueType(WithJobID(WithWorkerID(context.Background(), "w1"), "j1"), "import")

		// --- Act ---
		With(ctx, base).Info().Msg("hello")

		// --- Assert ---
		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
		}
		if entry["worker_id"] != "w1" || entry["job_id"] != "j1" || entry["queue_type"] != "import" {
			t.Errorf("missing context fields: %v", entry)
		}
		if _, ok := entry["trace_id"]; ok {
			t.Errorf("unset trace_id should be omitted: %v", entry)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("should fall back to info on an unknown level", func(t *testing.T) {
		var buf bytes.Buffer
		l := newWithWriter(config.LogConfig{Level: "loud", Format: "json"}, false, &buf)

		l.Debug().Msg("hidden")
		l.Info().Msg("shown")

		if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
			t.Errorf("unexpected output: %s", buf.String())
		}
	})

	t.Run("should not log anything from Nop", func(t *testing.T) {
		Nop().Error().Msg("nothing")
	})
}
