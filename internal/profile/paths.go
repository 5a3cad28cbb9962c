package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatcore.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatcore")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS control socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// HistoryDBPath returns the history mirror database path.
func HistoryDBPath(name string) string {
	return filepath.Join(Dir(name), "history.db")
}

// DaemonConfigPath returns the per-profile daemon settings file.
func DaemonConfigPath(name string) string {
	return filepath.Join(Dir(name), "chatd.toml")
}

// EnvPath returns the optional per-profile .env file.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// ThumbDir returns where generated media thumbnails are written.
func ThumbDir(name string) string {
	return filepath.Join(Dir(name), "thumbs")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		ThumbDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
