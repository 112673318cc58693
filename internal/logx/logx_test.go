package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

func TestWithBatchAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	WithBatch(ctx, "b-1", schema.ModeParallel).Info("hello")

	entry := capture.firstEntry(t)
	if entry["batch"] != "b-1" {
		t.Fatalf("expected batch field, got %+v", entry)
	}
	if entry["mode"] != "parallel" {
		t.Fatalf("expected mode field, got %+v", entry)
	}
}

func TestWithBatchSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	log := WithBatch(pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture)), "b-1", schema.ModeSequential)
	ctx := ContextWithBatchLogger(context.Background(), log, "b-1")
	WithBatch(ctx, "b-1", schema.ModeSequential).Info("again")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"batch"`)); n != 1 {
		t.Fatalf("expected a single batch field, got %d in %s", n, line)
	}
}

func TestWithUnitAddsOrdinal(t *testing.T) {
	capture := &logCapture{}
	WithUnit(newCaptureLogger(capture), 3).Info("hello")

	entry := capture.firstEntry(t)
	if entry["ordinal"] != float64(3) {
		t.Fatalf("expected ordinal field, got %+v", entry)
	}
}

func newCaptureLogger(w *logCapture) pslog.Logger {
	return pslog.NewWithOptions(w, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
