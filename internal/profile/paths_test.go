package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatcore", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestProfilePaths(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("profiles", "test", "LOCK")},
		{"history", HistoryDBPath("test"), filepath.Join("profiles", "test", "history.db")},
		{"daemon config", DaemonConfigPath("test"), filepath.Join("profiles", "test", "chatd.toml")},
		{"env", EnvPath("test"), filepath.Join("profiles", "test", ".env")},
		{"log", LogPath("test"), filepath.Join("profiles", "test", "logs", "chatd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s = %q, want suffix %s", tt.name, tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test"), ThumbDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}
