// Package upload turns local media files into URLs the chat backend can
// reference from a send_message action.
package upload

import (
	"context"
	"time"

	"github.com/matheus3301/chatcore/internal/models"
)

// Media is a local file to upload.
type Media struct {
	Path     string
	Type     models.MessageType
	FileName string
	Duration time.Duration
}

// Result describes an uploaded file.
type Result struct {
	FileURL       string
	FileName      string
	FileSize      int64
	Duration      time.Duration
	ThumbnailPath string
	Timestamp     time.Time
}

// ProgressFunc receives upload progress in [0, 1].
type ProgressFunc func(fraction float64)

// Uploader uploads one file, reporting progress as it goes.
type Uploader interface {
	Upload(ctx context.Context, m Media, progress ProgressFunc) (Result, error)
}
