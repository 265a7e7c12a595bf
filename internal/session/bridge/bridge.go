// Package bridge implements session.Session against an HTTP session sidecar
// that owns the messaging-network protocol.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/internal/session"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
)

type Connector struct {
	BaseURL      string
	Token        string
	Client       *http.Client
	PollInterval time.Duration
}

func NewConnector(baseURL, token string) *Connector {
	return &Connector{
		BaseURL:      baseURL,
		Token:        token,
		Client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: 2 * time.Second,
	}
}

type startReq struct {
	TenantID string          `json:"tenant_id"`
	Mode     session.Mode    `json:"mode"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

type statusResp struct {
	State          session.State   `json:"state"`
	LoginChallenge string          `json:"login_challenge,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type mediaReq struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name,omitempty"`
}

type sendReq struct {
	To    string    `json:"to"`
	Text  string    `json:"text"`
	Media *mediaReq `json:"media,omitempty"`
}

func (c *Connector) Connect(ctx context.Context, d device.Device, mode session.Mode) (session.Session, error) {
	body := startReq{TenantID: d.TenantID, Mode: mode}
	if mode == session.ModeRestore && json.Valid(d.SessionSnapshot) {
		body.Snapshot = d.SessionSnapshot
	}
	var st statusResp
	if err := c.do(ctx, http.MethodPost, c.path(d.ID, "start"), body, &st); err != nil {
		return nil, fmt.Errorf("bridge start %s: %w", d.ID, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     c,
		deviceID: d.ID,
		state:    st.State,
		snapshot: st.Snapshot,
		qr:       st.LoginChallenge,
		cancel:   cancel,
		done:     make(chan struct{}),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "bridge-send-" + d.ID,
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}
	go s.poll(pollCtx)
	return s, nil
}

func (c *Connector) path(deviceID, action string) string {
	return c.BaseURL + "/sessions/" + url.PathEscape(deviceID) + "/" + action
}

func (c *Connector) do(ctx context.Context, method, u string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge status=%d body=%s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Session is one sidecar-backed handle. State is refreshed by a status poll.
type Session struct {
	conn     *Connector
	deviceID string
	cb       *gobreaker.CircuitBreaker

	mu       sync.Mutex
	state    session.State
	snapshot []byte
	qr       string
	listener func(session.State, error)
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) Send(ctx context.Context, to string, c session.Content) error {
	req := sendReq{To: to, Text: c.Text}
	if c.Media != nil {
		req.Media = &mediaReq{Data: c.Media.Data, MimeType: c.Media.MimeType, FileName: c.Media.FileName}
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.conn.do(ctx, http.MethodPost, s.conn.path(s.deviceID, "messages"), req, nil)
	})
	return err
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == session.StateAuthenticated
}

func (s *Session) OnStateChange(fn func(session.State, error)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.snapshot...)
}

func (s *Session) LoginChallenge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.do(ctx, http.MethodPost, s.conn.path(s.deviceID, "stop"), nil, nil)
}

func (s *Session) poll(ctx context.Context) {
	defer close(s.done)
	interval := s.conn.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		var st statusResp
		err := s.conn.do(reqCtx, http.MethodGet, s.conn.path(s.deviceID, "status"), nil, &st)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logx.L().Debugw("bridge_status_error", "device_id", s.deviceID, "error", err)
			continue
		}
		if s.apply(st) == session.StateClosed {
			return
		}
	}
}

func (s *Session) apply(st statusResp) session.State {
	s.mu.Lock()
	changed := st.State != "" && st.State != s.state
	if st.State != "" {
		s.state = st.State
	}
	if len(st.Snapshot) > 0 {
		s.snapshot = st.Snapshot
	}
	if st.LoginChallenge != "" {
		s.qr = st.LoginChallenge
	}
	fn := s.listener
	cur := s.state
	s.mu.Unlock()

	if changed && fn != nil {
		var err error
		if st.Error != "" {
			err = errors.New(st.Error)
		}
		fn(cur, err)
	}
	return cur
}
