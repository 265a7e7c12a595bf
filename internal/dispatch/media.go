package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/session"
)

type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*session.Media, error)
}

// HTTPMedia downloads campaign attachments.
type HTTPMedia struct {
	Client   *http.Client
	MaxBytes int64
}

func NewHTTPMedia() *HTTPMedia {
	return &HTTPMedia{Client: &http.Client{Timeout: 20 * time.Second}, MaxBytes: 16 << 20}
}

func (m *HTTPMedia) Fetch(ctx context.Context, url string) (*session.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > m.MaxBytes {
		return nil, fmt.Errorf("media larger than %d bytes", m.MaxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("media empty")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = http.DetectContentType(data)
	}
	name := path.Base(req.URL.Path)
	if name == "/" || name == "." {
		name = ""
	}
	return &session.Media{Data: data, MimeType: mime, FileName: name}, nil
}
