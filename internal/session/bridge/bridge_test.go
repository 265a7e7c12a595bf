package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/internal/session"
)

type fakeBridge struct {
	mu      sync.Mutex
	starts  []startReq
	sends   []sendReq
	state   session.State
	stopped bool
}

func (f *fakeBridge) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/start"):
			var req startReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode start: %v", err)
			}
			f.starts = append(f.starts, req)
			_ = json.NewEncoder(w).Encode(statusResp{State: session.StateConnecting, LoginChallenge: "qr-1"})
		case strings.HasSuffix(r.URL.Path, "/status"):
			_ = json.NewEncoder(w).Encode(statusResp{State: f.state, Snapshot: json.RawMessage(`{"registered":true}`)})
		case strings.HasSuffix(r.URL.Path, "/messages"):
			var req sendReq
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.To == "bad" {
				http.Error(w, "rejected", http.StatusUnprocessableEntity)
				return
			}
			f.sends = append(f.sends, req)
		case strings.HasSuffix(r.URL.Path, "/stop"):
			f.stopped = true
		default:
			http.NotFound(w, r)
		}
	})
}

func TestConnectSendAndAuthenticate(t *testing.T) {
	fb := &fakeBridge{state: session.StateConnecting}
	srv := httptest.NewServer(fb.handler(t))
	defer srv.Close()

	c := NewConnector(srv.URL, "tok")
	c.PollInterval = 10 * time.Millisecond

	d := device.Device{ID: "dev-1", TenantID: "t-1", SessionSnapshot: []byte(`{"registered":true}`)}
	s, err := c.Connect(context.Background(), d, session.ModeRestore)
	if err != nil {
		t.Fatal(err)
	}
	if s.Authenticated() || s.LoginChallenge() != "qr-1" {
		t.Fatalf("fresh handle should be connecting with a challenge")
	}

	authed := make(chan struct{})
	s.OnStateChange(func(st session.State, err error) {
		if st == session.StateAuthenticated {
			close(authed)
		}
	})
	fb.mu.Lock()
	fb.state = session.StateAuthenticated
	fb.mu.Unlock()

	select {
	case <-authed:
	case <-time.After(2 * time.Second):
		t.Fatal("authentication signal not delivered")
	}
	if !s.Authenticated() || len(s.Snapshot()) == 0 {
		t.Fatal("handle should report authenticated with a snapshot")
	}

	if err := s.Send(context.Background(), "+15550001", session.Content{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), "bad", session.Content{Text: "hi"}); err == nil {
		t.Fatal("rejected send must return an error")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.starts) != 1 || fb.starts[0].Mode != session.ModeRestore || len(fb.starts[0].Snapshot) == 0 {
		t.Fatalf("restore start should carry the snapshot: %+v", fb.starts)
	}
	if len(fb.sends) != 1 || fb.sends[0].Text != "hi" {
		t.Fatalf("unexpected sends: %+v", fb.sends)
	}
	if !fb.stopped {
		t.Fatal("close should stop the remote session")
	}
}
