package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the daemon file.
const (
	EnvUserID    = "CHATCORE_USER_ID"
	EnvToken     = "CHATCORE_TOKEN"
	EnvServerURL = "CHATCORE_SERVER_URL"
	EnvUploadURL = "CHATCORE_UPLOAD_URL"
	EnvMetrics   = "CHATCORE_METRICS_ADDR"
	EnvDebug     = "CHATCORE_DEBUG"
)

var (
	ErrNoServerURL   = errors.New("server_url is not set")
	ErrNoCredentials = errors.New("neither user_id nor token is set")
)

// Daemon holds per-profile chatd settings from chatd.toml.
type Daemon struct {
	ServerURL   string `toml:"server_url"`
	UserID      string `toml:"user_id"`
	Token       string `toml:"token"`
	UploadURL   string `toml:"upload_url"`
	MetricsAddr string `toml:"metrics_addr"`
	Debug       bool   `toml:"debug"`

	Connection Connection `toml:"connection"`
	Queue      Queue      `toml:"queue"`
	Sync       Sync       `toml:"sync"`
}

// Connection tunes the socket lifecycle.
type Connection struct {
	ConfirmTimeout    time.Duration `toml:"confirm_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	ReconnectBase     time.Duration `toml:"reconnect_base"`
	ReconnectMax      time.Duration `toml:"reconnect_max"`
	ReconnectJitter   time.Duration `toml:"reconnect_jitter"`
	DialTimeout       time.Duration `toml:"dial_timeout"`
}

// Queue tunes offline delivery.
type Queue struct {
	ReplayInterval time.Duration `toml:"replay_interval"`
	MaxRetries     int           `toml:"max_retries"`
}

// Sync tunes state reconciliation.
type Sync struct {
	DedupWindow time.Duration `toml:"dedup_window"`
}

// DefaultDaemon returns the settings used when chatd.toml leaves them out.
func DefaultDaemon() Daemon {
	return Daemon{
		Connection: Connection{
			ConfirmTimeout:    10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ReconnectBase:     5 * time.Second,
			ReconnectMax:      30 * time.Second,
			ReconnectJitter:   time.Second,
			DialTimeout:       10 * time.Second,
		},
		Queue: Queue{
			ReplayInterval: 100 * time.Millisecond,
			MaxRetries:     3,
		},
		Sync: Sync{
			DedupWindow: 5 * time.Minute,
		},
	}
}

// LoadDaemon reads chatd.toml over the defaults, then applies the optional
// .env file at envPath and finally the process environment. Missing files
// are not an error.
func LoadDaemon(path, envPath string) (*Daemon, error) {
	cfg := DefaultDaemon()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	env := map[string]string{}
	if envPath != "" {
		dotenv, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
		for k, v := range dotenv {
			env[k] = v
		}
	}
	for _, k := range []string{EnvUserID, EnvToken, EnvServerURL, EnvUploadURL, EnvMetrics, EnvDebug} {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			env[k] = v
		}
	}
	cfg.applyEnv(env)
	return &cfg, nil
}

func (d *Daemon) applyEnv(env map[string]string) {
	set := func(key string, dst *string) {
		if v, ok := env[key]; ok && v != "" {
			*dst = v
		}
	}
	set(EnvUserID, &d.UserID)
	set(EnvToken, &d.Token)
	set(EnvServerURL, &d.ServerURL)
	set(EnvUploadURL, &d.UploadURL)
	set(EnvMetrics, &d.MetricsAddr)
	if v, ok := env[EnvDebug]; ok {
		d.Debug, _ = strconv.ParseBool(v)
	}
}

// Validate checks the settings the daemon cannot start without.
func (d *Daemon) Validate() error {
	if d.ServerURL == "" {
		return ErrNoServerURL
	}
	if d.UserID == "" && d.Token == "" {
		return ErrNoCredentials
	}
	if d.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", d.Queue.MaxRetries)
	}
	return nil
}

// SaveDaemon writes d to path with owner-only permissions.
func SaveDaemon(path string, d *Daemon) error {
	return writeTOML(path, d)
}
