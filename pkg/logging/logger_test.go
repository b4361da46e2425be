package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	entry := l.WithField("k", "v")
	if entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}

func TestServiceFieldReachesOutput(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("k", "v").Info("hello")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["service"] != "svc-a" {
		t.Fatalf("expected service field in output, got %v", record)
	}
	if record["k"] != "v" {
		t.Fatalf("expected call-site field in output, got %v", record)
	}
}
