package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/internal/session"
	"github.com/Mutter0815/BroadcastGateway/internal/store"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
)

type fakeStore struct {
	mu     sync.Mutex
	rows   map[string]*device.Device
	events []device.ConnectionEvent
}

func newStore(ds ...device.Device) *fakeStore {
	f := &fakeStore{rows: map[string]*device.Device{}}
	for i := range ds {
		d := ds[i]
		f.rows[d.ID] = &d
	}
	return f
}

func (f *fakeStore) get(id string) device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeStore) set(id string, fn func(d *device.Device)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.rows[id])
}

func (f *fakeStore) ListUnassignedDevices(_ context.Context, statuses []device.Status) ([]device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []device.Device
	for _, d := range f.rows {
		if d.AssignedServerID == nil && hasStatus(statuses, d.Status) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetDevice(_ context.Context, id string) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return device.Device{}, store.ErrNotFound
	}
	return *d, nil
}

func (f *fakeStore) SetDeviceStatus(_ context.Context, id string, st device.Status) error {
	f.set(id, func(d *device.Device) { d.Status = st; d.UpdatedAt = time.Now() })
	return nil
}

func (f *fakeStore) SetLoginChallenge(_ context.Context, id, qr string) error {
	f.set(id, func(d *device.Device) { d.LoginChallenge = qr })
	return nil
}

func (f *fakeStore) MarkDeviceConnected(_ context.Context, id string, snap []byte) error {
	f.set(id, func(d *device.Device) {
		d.Status = device.StatusConnected
		d.SessionSnapshot = snap
		d.LoginChallenge = ""
	})
	return nil
}

func (f *fakeStore) ClearDeviceSession(_ context.Context, id string, st device.Status, msg string) error {
	f.set(id, func(d *device.Device) {
		d.Status = st
		d.SessionSnapshot = nil
		d.LoginChallenge = ""
		d.LastError = msg
	})
	return nil
}

func (f *fakeStore) AppendConnectionEvent(_ context.Context, ev device.ConnectionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) hasEvent(ev device.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Event == ev {
			return true
		}
	}
	return false
}

func hasStatus(set []device.Status, s device.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

type fakeAssigner struct {
	st   *fakeStore
	self string

	mu   sync.Mutex
	load int
}

func (a *fakeAssigner) AssignedDevices(_ context.Context, statuses ...device.Status) ([]device.Device, error) {
	a.st.mu.Lock()
	defer a.st.mu.Unlock()
	var out []device.Device
	for _, d := range a.st.rows {
		if d.Owner() == a.self && hasStatus(statuses, d.Status) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (a *fakeAssigner) AutoAssign(_ context.Context, d device.Device) (bool, error) {
	a.st.mu.Lock()
	defer a.st.mu.Unlock()
	row := a.st.rows[d.ID]
	if row.AssignedServerID != nil {
		return false, nil
	}
	v := a.self
	row.AssignedServerID = &v
	return true, nil
}

func (a *fakeAssigner) ShouldHandle(d device.Device) bool { return d.Owner() == a.self }

func (a *fakeAssigner) AdjustLoad(_ context.Context, delta int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.load += delta
	return nil
}

func (a *fakeAssigner) current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load
}

type fakeSession struct {
	mu     sync.Mutex
	authed bool
	qr     string
	fn       func(session.State, error)
	closed   bool
	closeErr error
}

func (s *fakeSession) Send(context.Context, string, session.Content) error { return nil }
func (s *fakeSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}
func (s *fakeSession) OnStateChange(fn func(session.State, error)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}
func (s *fakeSession) Snapshot() []byte       { return []byte(`{"registered":true}`) }
func (s *fakeSession) LoginChallenge() string { return s.qr }
func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.closeErr
}
func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
func (s *fakeSession) emit(st session.State, err error) {
	s.mu.Lock()
	if st == session.StateAuthenticated {
		s.authed = true
	}
	fn := s.fn
	s.mu.Unlock()
	fn(st, err)
}

type connectCall struct {
	id   string
	mode session.Mode
}

type fakeConnector struct {
	mu       sync.Mutex
	calls    []connectCall
	sessions []*fakeSession
	authed   bool
	err      error
}

func (c *fakeConnector) Connect(_ context.Context, d device.Device, mode session.Mode) (session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connectCall{d.ID, mode})
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeSession{authed: c.authed, qr: "qr-" + d.ID}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeConnector) snapshot() ([]connectCall, []*fakeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connectCall(nil), c.calls...), append([]*fakeSession(nil), c.sessions...)
}

func owned(id string, st device.Status) device.Device {
	self := "w1"
	return device.Device{ID: id, TenantID: "t1", Status: st, AssignedServerID: &self, UpdatedAt: time.Now()}
}

func newSup(st *fakeStore, conn *fakeConnector) (*Supervisor, *fakeAssigner) {
	a := &fakeAssigner{st: st, self: "w1"}
	s := New(st, a, conn, Options{RestoreDelay: time.Millisecond})
	return s, a
}

func TestTick_StuckDeviceCleared(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := owned("d1", device.StatusConnecting)
	d.UpdatedAt = now.Add(-200 * time.Second)
	d.SessionSnapshot = []byte(`{"registered":true}`)
	d.LoginChallenge = "qr"
	st := newStore(d)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)
	s.now = func() time.Time { return now }

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := st.get("d1")
	if got.Status != device.StatusDisconnected {
		t.Fatalf("status %s", got.Status)
	}
	if got.SessionSnapshot != nil || got.LoginChallenge != "" {
		t.Fatal("snapshot and login material must be cleared")
	}
	if !strings.Contains(got.LastError, "200s") {
		t.Fatalf("diagnostic should mention elapsed time: %q", got.LastError)
	}
	if calls, _ := conn.snapshot(); len(calls) != 0 {
		t.Fatalf("stuck device must not reconnect in the same cycle: %v", calls)
	}
	if !st.hasEvent(device.EventStuckCleared) {
		t.Fatal("stuck_cleared event missing")
	}
}

func TestTick_RecentConnectingNotStuck(t *testing.T) {
	d := owned("d1", device.StatusConnecting)
	d.UpdatedAt = time.Now().Add(-60 * time.Second)
	st := newStore(d)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)

	_ = s.Tick(context.Background())

	if st.get("d1").Status != device.StatusConnecting {
		t.Fatal("device under the timeout must be left alone")
	}
	calls, _ := conn.snapshot()
	if len(calls) != 1 || calls[0].mode != session.ModeFresh {
		t.Fatalf("want one fresh connect, got %v", calls)
	}
	if st.get("d1").LoginChallenge != "qr-d1" {
		t.Fatal("login challenge should be stored for a fresh connect")
	}
}

func TestTick_RestoreVersusFresh(t *testing.T) {
	reg := owned("reg", device.StatusConnected)
	reg.SessionSnapshot = []byte(`{"registered":true}`)
	bare := owned("bare", device.StatusConnected)
	st := newStore(reg, bare)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)

	_ = s.Tick(context.Background())

	calls, _ := conn.snapshot()
	modes := map[string]session.Mode{}
	for _, c := range calls {
		modes[c.id] = c.mode
	}
	if modes["reg"] != session.ModeRestore {
		t.Fatalf("registered snapshot should restore, got %q", modes["reg"])
	}
	if modes["bare"] != session.ModeFresh {
		t.Fatalf("connected without snapshot should start fresh, got %q", modes["bare"])
	}
	if st.get("bare").Status != device.StatusConnecting {
		t.Fatal("fresh login from connected must first mark connecting")
	}
	if st.get("reg").LoginChallenge != "" {
		t.Fatal("restore must not produce a new login challenge")
	}
	if s.LiveCount() != 2 {
		t.Fatalf("live count %d", s.LiveCount())
	}
}

func TestTick_AutoAssignsUnownedDevice(t *testing.T) {
	st := newStore(
		device.Device{ID: "d1", TenantID: "t1", Status: device.StatusConnecting, UpdatedAt: time.Now()},
		device.Device{ID: "bad", Status: device.StatusConnecting, UpdatedAt: time.Now()},
	)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st.get("d1").Owner() != "w1" {
		t.Fatal("d1 should be claimed")
	}
	if st.get("bad").Owner() != "" {
		t.Fatal("invalid record must be skipped")
	}
	if _, ok := s.LiveSession("d1"); !ok {
		t.Fatal("claimed device should get a handle")
	}
}

func TestTick_ForeignDeviceIgnored(t *testing.T) {
	other := "w2"
	d := owned("d1", device.StatusConnected)
	d.AssignedServerID = &other
	st := newStore(d)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)

	_ = s.Tick(context.Background())
	if calls, _ := conn.snapshot(); len(calls) != 0 {
		t.Fatalf("foreign device must not be touched: %v", calls)
	}
}

func TestTick_TearsDownUnwantedHandles(t *testing.T) {
	st := newStore(owned("gone", device.StatusConnecting), owned("off", device.StatusConnecting), owned("moved", device.StatusConnecting))
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)
	_ = s.Tick(context.Background())
	if s.LiveCount() != 3 {
		t.Fatalf("want 3 handles, got %d", s.LiveCount())
	}

	st.mu.Lock()
	delete(st.rows, "gone")
	st.mu.Unlock()
	st.set("off", func(d *device.Device) { d.Status = device.StatusDisconnected; d.SessionSnapshot = []byte(`{}`) })
	other := "w2"
	st.set("moved", func(d *device.Device) { d.AssignedServerID = &other })

	_ = s.Tick(context.Background())

	if s.LiveCount() != 0 {
		t.Fatalf("all handles should be torn down, %v left", s.Live.IDs())
	}
	_, sessions := conn.snapshot()
	for i, fs := range sessions {
		if !fs.isClosed() {
			t.Fatalf("session %d not closed", i)
		}
	}
	if st.get("off").SessionSnapshot != nil {
		t.Fatal("disconnected device must have its snapshot cleared")
	}
}

func TestTick_UnauthenticatedRestart(t *testing.T) {
	d := owned("d1", device.StatusConnected)
	d.SessionSnapshot = []byte(`{"registered":true}`)
	st := newStore(d)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)

	_ = s.Tick(context.Background())
	_, first := conn.snapshot()
	if len(first) != 1 {
		t.Fatal("expected initial restore")
	}

	// Past the grace period the still-unauthenticated handle is restarted.
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	_ = s.Tick(context.Background())

	if !first[0].isClosed() {
		t.Fatal("stale handle must be ended")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, _ := conn.snapshot()
		if len(calls) == 2 {
			if calls[1].mode != session.ModeRestore {
				t.Fatalf("registered device should restore, got %s", calls[1].mode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("restore not scheduled, calls=%v", calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !st.hasEvent(device.EventUnauthRestart) {
		t.Fatal("unauthenticated_restart event missing")
	}
	s.Stop(context.Background())
}

func TestLifecycleSignals(t *testing.T) {
	st := newStore(owned("d1", device.StatusConnecting))
	conn := &fakeConnector{}
	s, a := newSup(st, conn)
	_ = s.Tick(context.Background())
	_, sessions := conn.snapshot()

	sessions[0].emit(session.StateAuthenticated, nil)
	got := st.get("d1")
	if got.Status != device.StatusConnected || len(got.SessionSnapshot) == 0 {
		t.Fatalf("authenticated handle should mark connected with snapshot: %+v", got)
	}
	if a.current() != 1 {
		t.Fatalf("load %d", a.current())
	}

	sessions[0].emit(session.StateClosed, nil)
	got = st.get("d1")
	if got.Status != device.StatusDisconnected || got.SessionSnapshot != nil {
		t.Fatalf("logout should clear the session: %+v", got)
	}
	if a.current() != 0 || s.LiveCount() != 0 {
		t.Fatalf("load %d live %d", a.current(), s.LiveCount())
	}
}

func TestLifecycle_ErrorCloseKeepsStatus(t *testing.T) {
	st := newStore(owned("d1", device.StatusConnecting))
	conn := &fakeConnector{authed: true}
	s, a := newSup(st, conn)
	_ = s.Tick(context.Background())
	if a.current() != 1 {
		t.Fatalf("already authenticated handle should count load, got %d", a.current())
	}
	_, sessions := conn.snapshot()

	sessions[0].emit(session.StateClosed, errors.New("stream reset"))
	if st.get("d1").Status != device.StatusConnected {
		t.Fatal("error close must leave status so the next cycle restores")
	}
	if !st.hasEvent(device.EventError) || s.LiveCount() != 0 {
		t.Fatal("error event and removal expected")
	}

	_ = s.Tick(context.Background())
	calls, _ := conn.snapshot()
	if len(calls) != 2 || calls[1].mode != session.ModeRestore {
		t.Fatalf("expected restore after error close, got %v", calls)
	}
}

func TestRequestReconnect(t *testing.T) {
	other := "w2"
	foreign := owned("f", device.StatusConnected)
	foreign.AssignedServerID = &other
	st := newStore(owned("d1", device.StatusDisconnected), foreign)
	conn := &fakeConnector{}
	s, _ := newSup(st, conn)
	defer s.Stop(context.Background())

	if err := s.RequestReconnect(context.Background(), "f"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("want ErrNotOwned, got %v", err)
	}
	if err := s.RequestReconnect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.LiveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reconnect did not open a handle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.get("d1").Status != device.StatusConnecting {
		t.Fatal("fresh reconnect should mark connecting")
	}
}

func TestConnectErrorRecorded(t *testing.T) {
	st := newStore(owned("d1", device.StatusConnecting))
	conn := &fakeConnector{err: errors.New("bridge down")}
	s, _ := newSup(st, conn)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.LiveCount() != 0 || !st.hasEvent(device.EventError) {
		t.Fatal("failed connect should leave no handle and log an error event")
	}
}

func TestStopEndsHandles(t *testing.T) {
	st := newStore(owned("d1", device.StatusConnecting), owned("d2", device.StatusConnecting))
	conn := &fakeConnector{authed: true}
	s, a := newSup(st, conn)
	_ = s.Tick(context.Background())

	s.Stop(context.Background())

	if s.LiveCount() != 0 || a.current() != 0 {
		t.Fatalf("live %d load %d", s.LiveCount(), a.current())
	}
	_, sessions := conn.snapshot()
	for _, fs := range sessions {
		if !fs.isClosed() {
			t.Fatal("handle left open")
		}
	}
}

type closeFailConnector struct{ fakeConnector }

func (c *closeFailConnector) Connect(ctx context.Context, d device.Device, mode session.Mode) (session.Session, error) {
	h, err := c.fakeConnector.Connect(ctx, d, mode)
	if err != nil {
		return nil, err
	}
	h.(*fakeSession).closeErr = errors.New("socket already gone")
	return h, nil
}

func TestOpen_LosingHandleClosedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logx.Use(zap.New(core).Sugar())
	t.Cleanup(func() { logx.Use(zap.NewNop().Sugar()) })

	st := newStore(owned("d1", device.StatusConnecting))
	conn := &closeFailConnector{}
	a := &fakeAssigner{st: st, self: "w1"}
	s := New(st, a, conn, Options{RestoreDelay: time.Millisecond})

	winner := &fakeSession{authed: true}
	if !s.Live.Put("d1", winner) {
		t.Fatal("put winner")
	}
	s.open(context.Background(), st.get("d1"), session.ModeRestore)

	_, sessions := conn.snapshot()
	if len(sessions) != 1 || !sessions[0].isClosed() {
		t.Fatal("the losing handle must be closed")
	}
	if cur, _ := s.Live.Get("d1"); cur != winner || winner.isClosed() {
		t.Fatal("the registered handle must stay live")
	}
	entries := logs.FilterMessage("session_close_error").All()
	if len(entries) != 1 || entries[0].ContextMap()["device_id"] != "d1" {
		t.Fatalf("close error not logged: %+v", logs.All())
	}
}
