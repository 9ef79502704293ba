package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogDisabledByDefault(t *testing.T) {
	Disable()
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	Disable()

	Log("vm", "ignored %d", 1)
	if logs.Len() != 0 {
		t.Fatalf("got %d entries after Disable, want 0", logs.Len())
	}
}

func TestLogCategoryField(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	defer Disable()

	Log("dispatch", "note=%d", 60)
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Message != "note=60" {
		t.Errorf("message = %q", entries[0].Message)
	}
	if cat := entries[0].ContextMap()["cat"]; cat != "dispatch" {
		t.Errorf("cat = %v, want dispatch", cat)
	}
}

func TestLogEvery(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	defer Disable()

	for i := 0; i < 10; i++ {
		LogEvery(4, "tick", "wait")
	}
	if logs.Len() != 2 {
		t.Fatalf("got %d entries, want 2", logs.Len())
	}
	if !strings.Contains(logs.All()[1].Message, "count=8") {
		t.Errorf("second entry = %q", logs.All()[1].Message)
	}
}

func TestEnableWritesFile(t *testing.T) {
	Disable()
	path := filepath.Join(t.TempDir(), "nested", "debug.log")
	if err := Enable(path); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	Log("vm", "hello %s", "file")
	Disable()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("log file = %q", data)
	}
}
