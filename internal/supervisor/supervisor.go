// Package supervisor keeps the sessions owned by this worker alive. Every Tick
// reconciles the store's view of each device with the local table of live
// handles: stuck devices are cleared, missing handles are connected, stale or
// unwanted handles are torn down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/internal/session"
	"github.com/Mutter0815/BroadcastGateway/internal/store"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
)

var ErrNotOwned = errors.New("device not owned by this worker")

type storeAPI interface {
	ListUnassignedDevices(ctx context.Context, statuses []device.Status) ([]device.Device, error)
	GetDevice(ctx context.Context, id string) (device.Device, error)
	SetDeviceStatus(ctx context.Context, id string, status device.Status) error
	SetLoginChallenge(ctx context.Context, id, challenge string) error
	MarkDeviceConnected(ctx context.Context, id string, snapshot []byte) error
	ClearDeviceSession(ctx context.Context, id string, status device.Status, msg string) error
	AppendConnectionEvent(ctx context.Context, ev device.ConnectionEvent) error
}

type assigner interface {
	AssignedDevices(ctx context.Context, statuses ...device.Status) ([]device.Device, error)
	AutoAssign(ctx context.Context, d device.Device) (bool, error)
	ShouldHandle(d device.Device) bool
	AdjustLoad(ctx context.Context, delta int) error
}

type Options struct {
	// StuckTimeout bounds how long a device may stay in connecting.
	StuckTimeout time.Duration
	// RestoreDelay is the pause before restoring a handle that lost authentication.
	RestoreDelay   time.Duration
	ConnectTimeout time.Duration
	// AuthGrace lets a freshly opened handle finish authenticating before it is
	// treated as stale.
	AuthGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = 120 * time.Second
	}
	if o.RestoreDelay <= 0 {
		o.RestoreDelay = 3 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.AuthGrace <= 0 {
		o.AuthGrace = 30 * time.Second
	}
	return o
}

type Supervisor struct {
	Store     storeAPI
	Assign    assigner
	Connector session.Connector
	Live      *session.Registry
	Opts      Options

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool      // connect running or reconnect timer pending
	opened   map[string]time.Time // when the current handle was opened
	loaded   map[string]bool      // handle counted in server load
}

func New(st storeAPI, a assigner, conn session.Connector, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		Store:     st,
		Assign:    a,
		Connector: conn,
		Live:      session.NewRegistry(),
		Opts:      opts.withDefaults(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  map[string]bool{},
		opened:    map[string]time.Time{},
		loaded:    map[string]bool{},
	}
}

var activeStatuses = []device.Status{device.StatusConnecting, device.StatusConnected}

// Tick runs one device-check cycle. Per-device failures are logged and never
// abort the cycle.
func (s *Supervisor) Tick(ctx context.Context) error {
	unassigned, err := s.Store.ListUnassignedDevices(ctx, activeStatuses)
	if err != nil {
		return fmt.Errorf("list unassigned devices: %w", err)
	}
	for _, d := range unassigned {
		if !d.Valid() {
			logx.L().Warnw("device_invalid_skipped", "device_id", d.ID, "tenant_id", d.TenantID)
			continue
		}
		won, err := s.Assign.AutoAssign(ctx, d)
		if err != nil {
			logx.L().Errorw("device_assign_error", "device_id", d.ID, "error", err)
			continue
		}
		if !won {
			logx.L().Debugw("device_not_ours", "device_id", d.ID)
		}
	}

	owned, err := s.Assign.AssignedDevices(ctx, activeStatuses...)
	if err != nil {
		return fmt.Errorf("list assigned devices: %w", err)
	}
	seen := make(map[string]bool, len(owned))
	for _, d := range owned {
		if !d.Valid() {
			logx.L().Warnw("device_invalid_skipped", "device_id", d.ID, "tenant_id", d.TenantID)
			continue
		}
		seen[d.ID] = true
		s.evaluate(ctx, d)
	}

	for _, id := range s.Live.IDs() {
		if seen[id] {
			continue
		}
		s.reapUnwanted(ctx, id)
	}

	metrics.LiveSessions.Set(float64(s.Live.Len()))
	return nil
}

func (s *Supervisor) evaluate(ctx context.Context, d device.Device) {
	if !s.Assign.ShouldHandle(d) {
		return
	}

	if d.Status == device.StatusConnecting {
		if stuck := s.now().Sub(d.UpdatedAt); stuck > s.Opts.StuckTimeout {
			s.clearStuck(ctx, d, stuck)
			return
		}
	}

	h, ok := s.Live.Get(d.ID)
	if !ok {
		if s.busy(d.ID) {
			return
		}
		switch {
		case d.Status == device.StatusConnected && d.Registered():
			s.connect(ctx, d, session.ModeRestore)
		case d.Status == device.StatusConnected:
			if err := s.Store.SetDeviceStatus(ctx, d.ID, device.StatusConnecting); err != nil {
				logx.L().Errorw("device_status_error", "device_id", d.ID, "error", err)
				return
			}
			d.Status = device.StatusConnecting
			s.connect(ctx, d, session.ModeFresh)
		default:
			s.connect(ctx, d, session.ModeFresh)
		}
		return
	}

	if d.Status != device.StatusConnected || h.Authenticated() {
		return
	}
	if s.now().Sub(s.openedAt(d.ID)) < s.Opts.AuthGrace {
		return
	}

	logx.L().Warnw("device_unauthenticated_restart", "device_id", d.ID, "registered", d.Registered())
	s.event(ctx, d.ID, device.EventUnauthRestart, "")
	s.closeHandle(ctx, d.ID)

	if d.Registered() {
		s.schedule(d.ID, s.Opts.RestoreDelay, session.ModeRestore)
		return
	}
	if err := s.Store.SetDeviceStatus(ctx, d.ID, device.StatusConnecting); err != nil {
		logx.L().Errorw("device_status_error", "device_id", d.ID, "error", err)
		return
	}
	d.Status = device.StatusConnecting
	s.connect(ctx, d, session.ModeFresh)
}

func (s *Supervisor) clearStuck(ctx context.Context, d device.Device, stuck time.Duration) {
	secs := int(stuck.Seconds())
	msg := fmt.Sprintf("connection stuck in connecting for %ds, session cleared", secs)

	s.closeHandle(ctx, d.ID)
	if err := s.Store.ClearDeviceSession(ctx, d.ID, device.StatusDisconnected, msg); err != nil {
		logx.L().Errorw("device_clear_error", "device_id", d.ID, "error", err)
		return
	}
	metrics.StuckDevicesCleared.Inc()
	s.event(ctx, d.ID, device.EventStuckCleared, msg)
	logx.L().Warnw("device_stuck_cleared", "device_id", d.ID, "stuck_seconds", secs)
}

// reapUnwanted tears down a live handle whose device is no longer an active
// device owned by this worker.
func (s *Supervisor) reapUnwanted(ctx context.Context, id string) {
	d, err := s.Store.GetDevice(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.teardown(ctx, id, "device record missing")
		return
	case err != nil:
		logx.L().Errorw("device_get_error", "device_id", id, "error", err)
		return
	}

	switch {
	case d.Status == device.StatusDisconnected || d.Status == device.StatusDeleted:
		s.teardown(ctx, id, "device "+string(d.Status))
		if err := s.Store.ClearDeviceSession(ctx, id, d.Status, ""); err != nil {
			logx.L().Errorw("device_clear_error", "device_id", id, "error", err)
		}
	case !s.Assign.ShouldHandle(d):
		s.teardown(ctx, id, "device owned by "+d.Owner())
	}
}

func (s *Supervisor) teardown(ctx context.Context, id, reason string) {
	if !s.closeHandle(ctx, id) {
		return
	}
	s.event(ctx, id, device.EventTornDown, reason)
	logx.L().Infow("device_torn_down", "device_id", id, "reason", reason)
}

// closeHandle removes and ends the handle for id, returning whether one existed.
func (s *Supervisor) closeHandle(ctx context.Context, id string) bool {
	h, ok := s.Live.Take(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	counted := s.loaded[id]
	delete(s.loaded, id)
	delete(s.opened, id)
	s.mu.Unlock()

	if err := h.Close(); err != nil {
		logx.L().Warnw("session_close_error", "device_id", id, "error", err)
	}
	if counted {
		if err := s.Assign.AdjustLoad(ctx, -1); err != nil {
			logx.L().Warnw("server_load_error", "device_id", id, "error", err)
		}
	}
	metrics.LiveSessions.Set(float64(s.Live.Len()))
	return true
}

func (s *Supervisor) busy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

func (s *Supervisor) openedAt(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[id]
}

func (s *Supervisor) connect(ctx context.Context, d device.Device, mode session.Mode) {
	s.mu.Lock()
	if s.inflight[d.ID] {
		s.mu.Unlock()
		return
	}
	s.inflight[d.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, d.ID)
		s.mu.Unlock()
	}()
	s.open(ctx, d, mode)
}

func (s *Supervisor) open(ctx context.Context, d device.Device, mode session.Mode) {
	ev := device.EventConnecting
	if mode == session.ModeRestore {
		ev = device.EventRestoring
	}
	s.event(ctx, d.ID, ev, "")

	cctx, cancel := context.WithTimeout(ctx, s.Opts.ConnectTimeout)
	h, err := s.Connector.Connect(cctx, d, mode)
	cancel()
	if err != nil {
		metrics.SessionConnects.WithLabelValues(string(mode), "error").Inc()
		s.event(ctx, d.ID, device.EventError, err.Error())
		logx.L().Errorw("session_connect_error", "device_id", d.ID, "mode", mode, "error", err)
		return
	}
	if !s.Live.Put(d.ID, h) {
		// Another handle won the slot; drop ours.
		if err := h.Close(); err != nil {
			logx.L().Warnw("session_close_error", "device_id", d.ID, "error", err)
		}
		return
	}
	metrics.SessionConnects.WithLabelValues(string(mode), "ok").Inc()

	s.mu.Lock()
	s.opened[d.ID] = s.now()
	s.mu.Unlock()

	id := d.ID
	h.OnStateChange(func(st session.State, err error) { s.onState(id, h, st, err) })

	if mode == session.ModeFresh {
		if qr := h.LoginChallenge(); qr != "" {
			if err := s.Store.SetLoginChallenge(ctx, id, qr); err != nil {
				logx.L().Errorw("login_challenge_store_error", "device_id", id, "error", err)
			}
		}
	}
	logx.L().Infow("session_opened", "device_id", id, "mode", mode)

	if h.Authenticated() {
		s.onState(id, h, session.StateAuthenticated, nil)
	}
	metrics.LiveSessions.Set(float64(s.Live.Len()))
}

// onState reacts to lifecycle signals from a handle. Signals from a handle that
// is no longer in the live table are ignored.
func (s *Supervisor) onState(id string, h session.Session, st session.State, cause error) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	switch st {
	case session.StateAuthenticated:
		cur, ok := s.Live.Get(id)
		if !ok || cur != h {
			return
		}
		if err := s.Store.MarkDeviceConnected(ctx, id, h.Snapshot()); err != nil {
			logx.L().Errorw("device_connected_store_error", "device_id", id, "error", err)
			return
		}
		s.mu.Lock()
		first := !s.loaded[id]
		s.loaded[id] = true
		s.mu.Unlock()
		if first {
			if err := s.Assign.AdjustLoad(ctx, 1); err != nil {
				logx.L().Warnw("server_load_error", "device_id", id, "error", err)
			}
		}
		logx.L().Infow("device_connected", "device_id", id)

	case session.StateClosed:
		if !s.Live.Remove(id, h) {
			return
		}
		s.mu.Lock()
		counted := s.loaded[id]
		delete(s.loaded, id)
		delete(s.opened, id)
		s.mu.Unlock()
		if counted {
			if err := s.Assign.AdjustLoad(ctx, -1); err != nil {
				logx.L().Warnw("server_load_error", "device_id", id, "error", err)
			}
		}
		metrics.LiveSessions.Set(float64(s.Live.Len()))

		if cause != nil {
			// Status stays as is, so the next cycle reconnects.
			s.event(ctx, id, device.EventError, cause.Error())
			logx.L().Warnw("session_closed_error", "device_id", id, "error", cause)
			return
		}
		if err := s.Store.ClearDeviceSession(ctx, id, device.StatusDisconnected, "logged out"); err != nil {
			logx.L().Errorw("device_clear_error", "device_id", id, "error", err)
		}
		s.event(ctx, id, device.EventDisconnected, "")
		logx.L().Infow("device_logged_out", "device_id", id)
	}
}

// schedule reconnects id after delay. The timer is bound to the supervisor's
// lifetime and cancelled by Stop.
func (s *Supervisor) schedule(id string, delay time.Duration, mode session.Mode) {
	s.mu.Lock()
	if s.inflight[id] {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}()

		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
			}
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.Opts.ConnectTimeout+5*time.Second)
		defer cancel()
		d, err := s.Store.GetDevice(ctx, id)
		if err != nil {
			logx.L().Warnw("reconnect_get_device_error", "device_id", id, "error", err)
			return
		}
		if !d.Valid() || !s.Assign.ShouldHandle(d) {
			return
		}
		if _, ok := s.Live.Get(id); ok {
			return
		}
		s.open(ctx, d, mode)
	}()
}

// RequestReconnect asks for a handle for deviceID without waiting for it.
func (s *Supervisor) RequestReconnect(ctx context.Context, deviceID string) error {
	if _, ok := s.Live.Get(deviceID); ok {
		return nil
	}
	d, err := s.Store.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("get device %s: %w", deviceID, err)
	}
	if !s.Assign.ShouldHandle(d) {
		return ErrNotOwned
	}
	if d.Status == device.StatusConnected && d.Registered() {
		s.schedule(deviceID, 0, session.ModeRestore)
		return nil
	}
	if d.Status != device.StatusConnecting {
		if err := s.Store.SetDeviceStatus(ctx, deviceID, device.StatusConnecting); err != nil {
			return fmt.Errorf("mark connecting %s: %w", deviceID, err)
		}
	}
	s.schedule(deviceID, 0, session.ModeFresh)
	return nil
}

func (s *Supervisor) LiveSession(deviceID string) (session.Session, bool) {
	return s.Live.Get(deviceID)
}

func (s *Supervisor) LiveCount() int { return s.Live.Len() }

// Stop cancels pending reconnects and ends every live handle.
func (s *Supervisor) Stop(ctx context.Context) {
	s.cancel()
	s.wg.Wait()
	for _, id := range s.Live.IDs() {
		s.closeHandle(ctx, id)
	}
	metrics.LiveSessions.Set(0)
	logx.L().Infow("supervisor_stopped")
}

func (s *Supervisor) event(ctx context.Context, id string, ev device.EventType, msg string) {
	err := s.Store.AppendConnectionEvent(ctx, device.ConnectionEvent{
		DeviceID:  id,
		Event:     ev,
		Error:     msg,
		CreatedAt: s.now(),
	})
	if err != nil {
		logx.L().Warnw("connection_event_error", "device_id", id, "event", ev, "error", err)
	}
}
