package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatd.log")

	logger, err := New(path, "work", true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("frame dropped")
	logger.Info("connected")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["profile"] != "work" || entry["msg"] != "connected" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestNewInfoLevelSkipsDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatd.log")
	logger, err := New(path, "main", false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Error("debug entry written at info level")
	}
}
