// Package session defines the narrow contract the supervisor and dispatch
// engine use to talk to a live messaging session, plus the per-worker table
// of live handles.
package session

import (
	"context"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
)

type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateClosed        State = "closed"
)

type Mode string

const (
	// ModeFresh starts a new login flow with a fresh challenge.
	ModeFresh Mode = "fresh"
	// ModeRestore resumes from a stored snapshot without a new challenge.
	ModeRestore Mode = "restore"
)

type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

type Content struct {
	Text  string
	Media *Media
}

type Session interface {
	Send(ctx context.Context, to string, c Content) error
	Authenticated() bool
	// OnStateChange registers the single lifecycle listener; err is set for closes caused by failures.
	OnStateChange(fn func(State, error))
	Snapshot() []byte
	LoginChallenge() string
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, d device.Device, mode Mode) (Session, error)
}
