package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadDaemonDefaults(t *testing.T) {
	d, err := LoadDaemon(filepath.Join(t.TempDir(), "missing.toml"), "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Connection.ConfirmTimeout != 10*time.Second || d.Connection.HeartbeatInterval != 15*time.Second {
		t.Errorf("connection defaults = %+v", d.Connection)
	}
	if d.Queue.MaxRetries != 3 || d.Queue.ReplayInterval != 100*time.Millisecond {
		t.Errorf("queue defaults = %+v", d.Queue)
	}
	if d.Sync.DedupWindow != 5*time.Minute {
		t.Errorf("dedup window = %v", d.Sync.DedupWindow)
	}
}

func TestLoadDaemonFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatd.toml")
	envPath := filepath.Join(dir, ".env")

	file := `
server_url = "wss://chat.example.com/ws"
user_id = "from-file"

[connection]
heartbeat_interval = "20s"

[queue]
max_retries = 5
`
	if err := os.WriteFile(path, []byte(file), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(envPath, []byte("CHATCORE_USER_ID=from-dotenv\nCHATCORE_TOKEN=abc\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvToken, "from-process")
	t.Setenv(EnvUserID, "")

	d, err := LoadDaemon(path, envPath)
	if err != nil {
		t.Fatal(err)
	}
	if d.ServerURL != "wss://chat.example.com/ws" {
		t.Errorf("ServerURL = %q", d.ServerURL)
	}
	if d.UserID != "from-dotenv" {
		t.Errorf("UserID = %q, want from-dotenv", d.UserID)
	}
	if d.Token != "from-process" {
		t.Errorf("Token = %q, want from-process", d.Token)
	}
	if d.Connection.HeartbeatInterval != 20*time.Second {
		t.Errorf("heartbeat = %v", d.Connection.HeartbeatInterval)
	}
	if d.Connection.ConfirmTimeout != 10*time.Second {
		t.Errorf("confirm timeout default lost: %v", d.Connection.ConfirmTimeout)
	}
	if d.Queue.MaxRetries != 5 {
		t.Errorf("max retries = %d", d.Queue.MaxRetries)
	}
}

func TestLoadDaemonBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatd.toml")
	if err := os.WriteFile(path, []byte("server_url = ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDaemon(path, ""); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDaemonValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Daemon
		want error
	}{
		{"ok user id", Daemon{ServerURL: "ws://x", UserID: "1"}, nil},
		{"ok token", Daemon{ServerURL: "ws://x", Token: "t"}, nil},
		{"no url", Daemon{UserID: "1"}, ErrNoServerURL},
		{"no credentials", Daemon{ServerURL: "ws://x"}, ErrNoCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.d.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSaveDaemonRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatd.toml")
	d := DefaultDaemon()
	d.ServerURL = "ws://localhost:8080/ws"
	d.UserID = "42"
	if err := SaveDaemon(path, &d); err != nil {
		t.Fatal(err)
	}
	got, err := LoadDaemon(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerURL != d.ServerURL || got.Connection.ReconnectMax != 30*time.Second {
		t.Errorf("loaded = %+v", got)
	}
}
