package daemon

import (
	"path/filepath"

	"github.com/matheus3301/chatcore/internal/profile"
)

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return profile.Dir(p.Profile)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	if p.Dir != "" {
		return filepath.Join(p.Dir, "daemon.sock")
	}
	return profile.SocketPath(p.Profile)
}

func (p Params) logPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "logs", "chatd.log")
	}
	return profile.LogPath(p.Profile)
}

func (p Params) historyPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "history.db")
	}
	return profile.HistoryDBPath(p.Profile)
}

func (p Params) thumbDir() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "thumbs")
	}
	return profile.ThumbDir(p.Profile)
}
