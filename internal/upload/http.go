package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/models"
)

// ErrNoEndpoint is returned when no upload endpoint is configured.
var ErrNoEndpoint = errors.New("upload endpoint not configured")

// HTTPUploader posts files as multipart/form-data.
type HTTPUploader struct {
	Endpoint string
	Token    string
	Client   *http.Client
	// ThumbDir receives generated image thumbnails. Empty disables them.
	ThumbDir string

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type uploadResponse struct {
	FileURL  string  `json:"file_url"`
	URL      string  `json:"url"`
	FileName string  `json:"file_name"`
	FileSize int64   `json:"file_size"`
	Duration float64 `json:"duration"`
}

// Upload streams m.Path to the endpoint.
func (u *HTTPUploader) Upload(ctx context.Context, m Media, progress ProgressFunc) (Result, error) {
	if u.Endpoint == "" {
		return Result{}, ErrNoEndpoint
	}
	log := u.Log
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(m.Path)
	if err != nil {
		return Result{}, fmt.Errorf("open media: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat media: %w", err)
	}
	name := m.FileName
	if name == "" {
		name = filepath.Base(m.Path)
	}

	start := time.Now()
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &progressReader{r: f, total: info.Size(), fn: progress}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := writeForm(mw, m, name, counter)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		wg.Wait()
		return Result{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		wg.Wait()
		return Result{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	pr.CloseWithError(io.ErrClosedPipe)
	wg.Wait()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("upload: server returned %s: %s", resp.Status, body)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.FileURL == "" {
		out.FileURL = out.URL
	}
	if out.FileURL == "" {
		return Result{}, errors.New("upload: response carried no file url")
	}

	res := Result{
		FileURL:   out.FileURL,
		FileName:  name,
		FileSize:  info.Size(),
		Duration:  m.Duration,
		Timestamp: time.Now(),
	}
	if out.FileName != "" {
		res.FileName = out.FileName
	}
	if out.FileSize > 0 {
		res.FileSize = out.FileSize
	}
	if out.Duration > 0 {
		res.Duration = time.Duration(out.Duration * float64(time.Second))
	}
	if m.Type == models.TypeImage && u.ThumbDir != "" {
		thumb, err := Thumbnail(m.Path, u.ThumbDir, DefaultThumbSize)
		if err != nil {
			log.Warn("thumbnail failed", zap.String("path", m.Path), zap.Error(err))
		} else {
			res.ThumbnailPath = thumb
		}
	}

	if progress != nil {
		progress(1)
	}
	u.Metrics.Upload(res.FileSize, time.Since(start).Seconds())
	log.Info("media uploaded", zap.String("file", res.FileName), zap.Int64("bytes", res.FileSize))
	return res, nil
}

func writeForm(mw *multipart.Writer, m Media, name string, body io.Reader) error {
	if err := mw.WriteField("message_type", string(m.Type)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

// progressReader reports the fraction of total read so far. It never reports 1;
// the uploader does that once the server has answered.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && p.total > 0 && n > 0 {
		p.fn(min(float64(p.read)/float64(p.total), 0.99))
	}
	return n, err
}
