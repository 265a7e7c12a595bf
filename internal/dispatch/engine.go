// Package dispatch runs the paced per-recipient send loop of a campaign
// through the live session of its device.
//
// Progress is checkpointed at batch boundaries only. A crash between a send
// and the next checkpoint re-sends those recipients on resume, so delivery is
// at-least-once per recipient.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
	"github.com/Mutter0815/BroadcastGateway/internal/session"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
)

var (
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrAlreadyRunning     = errors.New("campaign already dispatching")
	ErrCancelled          = errors.New("campaign cancelled")
	ErrInvalidAddress     = errors.New("invalid destination address")
)

const (
	// defaultBatchSize applies when a campaign carries no batch size.
	defaultBatchSize = 50

	limiterCacheSize = 1024
	limiterIdleTTL   = 10 * time.Minute
)

type storeAPI interface {
	CampaignStatus(ctx context.Context, id string) (campaign.Status, error)
	CheckpointCampaign(ctx context.Context, id string, sent, failed int) error
	CompleteCampaign(ctx context.Context, id string, sent, failed int) (bool, error)
	LookupContactName(ctx context.Context, tenantID, phone string) (string, error)
}

type sessions interface {
	LiveSession(deviceID string) (session.Session, bool)
	RequestReconnect(ctx context.Context, deviceID string) error
}

type Options struct {
	SendTimeout time.Duration
	// DeviceSendsPerMin caps sends per device across campaigns; 0 disables it.
	DeviceSendsPerMin int
}

type Engine struct {
	Store    storeAPI
	Sessions sessions
	Media    MediaFetcher
	Opts     Options

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	mu       sync.Mutex
	inflight map[string]struct{}
	limiters *expirable.LRU[string, *rate.Limiter]
}

func New(st storeAPI, ss sessions, media MediaFetcher, opts Options) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Engine{
		Store:    st,
		Sessions: ss,
		Media:    media,
		Opts:     opts,
		sleep:    sleepCtx,
		rand:     rand.Float64,
		inflight: map[string]struct{}{},
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterIdleTTL),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return false
	}
	e.inflight[id] = struct{}{}
	metrics.DispatchInFlight.Inc()
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	metrics.DispatchInFlight.Dec()
}

// Running reports whether the campaign is being dispatched on this worker.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// RunningIDs lists the campaigns being dispatched on this worker.
func (e *Engine) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		out = append(out, id)
	}
	return out
}

func (e *Engine) limiter(deviceID string) *rate.Limiter {
	if e.Opts.DeviceSendsPerMin <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters.Get(deviceID)
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(e.Opts.DeviceSendsPerMin)), 1)
	}
	// Re-adding refreshes the idle expiry of devices that keep sending.
	e.limiters.Add(deviceID, l)
	return l
}

type run struct {
	c      campaign.Campaign
	h      session.Session
	media  *session.Media
	sent   int
	failed int
}

// Dispatch sends c to its remaining recipients. It returns ErrSessionUnavailable
// without touching the campaign when the device has no authenticated handle.
func (e *Engine) Dispatch(ctx context.Context, c campaign.Campaign) error {
	if !e.acquire(c.ID) {
		return ErrAlreadyRunning
	}
	defer e.release(c.ID)

	fields := []any{"campaign_id", c.ID, "device_id", c.DeviceID, "tenant_id", c.TenantID}

	h, ok := e.Sessions.LiveSession(c.DeviceID)
	if !ok {
		if err := e.Sessions.RequestReconnect(ctx, c.DeviceID); err != nil {
			logx.L().Warnw("dispatch_reconnect_error", append(fields, "error", err)...)
		}
		logx.L().Infow("dispatch_deferred_no_session", fields...)
		return ErrSessionUnavailable
	}
	if !h.Authenticated() {
		logx.L().Infow("dispatch_deferred_unauthenticated", fields...)
		return ErrSessionUnavailable
	}

	r := &run{c: c, h: h, sent: c.SentCount, failed: c.FailedCount}
	if c.MediaURL != "" && e.Media != nil {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		m, err := e.Media.Fetch(mctx, c.MediaURL)
		cancel()
		if err != nil {
			logx.L().Warnw("dispatch_media_fallback_text", append(fields, "error", err)...)
		} else {
			r.media = m
		}
	}

	total := len(c.Recipients)
	start := c.Processed()
	if start > total {
		start = total
	}
	delay := BaseDelay(c.Pacing, total)
	floor := delay
	batch := c.Pacing.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pause := time.Duration(c.Pacing.PauseSeconds) * time.Second
	batchSent, batchFailed := 0, 0

	logx.L().Infow("dispatch_started", append(fields, "recipients", total, "resume_at", start, "delay", delay.String())...)

	for i := start; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return e.abandon(r, err)
		}

		sent, attempted := e.sendOne(ctx, r, c.Recipients[i])
		if !sent && ctx.Err() != nil {
			// Interrupted sends are not counted so the recipient is retried on resume.
			return e.abandon(r, ctx.Err())
		}
		if sent {
			r.sent++
			batchSent++
		} else {
			r.failed++
			batchFailed++
		}

		pos := i + 1
		if pos == total {
			if !sent {
				if err := e.sleep(ctx, failedTailDelay); err != nil {
					return e.abandon(r, err)
				}
			}
			break
		}

		if pos%batch == 0 {
			if err := e.checkpoint(ctx, r); err != nil {
				return err
			}
			if c.Pacing.DelayType == campaign.DelayAdaptive {
				delay = Tune(delay, floor, batchSent, batchFailed)
			}
			batchSent, batchFailed = 0, 0
			if err := e.sleep(ctx, pause); err != nil {
				return e.abandon(r, err)
			}
			continue
		}

		if !attempted {
			continue
		}
		wait := delay
		if c.Pacing.Randomize {
			wait = Jitter(delay, e.rand())
		}
		if err := e.sleep(ctx, wait); err != nil {
			return e.abandon(r, err)
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	done, err := e.Store.CompleteCampaign(pctx, c.ID, r.sent, r.failed)
	if err != nil {
		return fmt.Errorf("complete campaign %s: %w", c.ID, err)
	}
	if !done {
		logx.L().Warnw("dispatch_not_completed_status_changed", append(fields, "sent", r.sent, "failed", r.failed)...)
		return ErrCancelled
	}
	logx.L().Infow("dispatch_completed", append(fields, "sent", r.sent, "failed", r.failed)...)
	return nil
}

// sendOne delivers to one recipient. attempted is false when the address was
// rejected before any network call.
func (e *Engine) sendOne(ctx context.Context, r *run, raw string) (sent, attempted bool) {
	addr, ok := NormalizeAddress(raw)
	if !ok {
		metrics.DispatchFailed.Inc()
		logx.L().Warnw("dispatch_invalid_address", "campaign_id", r.c.ID, "to", logx.Redact(raw))
		return false, false
	}

	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	name, err := e.Store.LookupContactName(lctx, r.c.TenantID, addr)
	cancel()
	if err != nil {
		name = ""
	}

	content := session.Content{Text: Personalize(r.c.Body, name, raw), Media: r.media}
	if err := e.send(ctx, r.h, r.c.DeviceID, addr, content); err != nil {
		if ctx.Err() != nil {
			logx.L().Infow("dispatch_send_interrupted", "campaign_id", r.c.ID, "to", logx.Redact(addr), "error", err)
			return false, true
		}
		metrics.DispatchFailed.Inc()
		logx.L().Infow("dispatch_send_failed", "campaign_id", r.c.ID, "to", logx.Redact(addr), "error", err)
		return false, true
	}
	metrics.DispatchSent.Inc()
	return true, true
}

func (e *Engine) send(ctx context.Context, h session.Session, deviceID, to string, content session.Content) error {
	if l := e.limiter(deviceID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	sctx, cancel := context.WithTimeout(ctx, e.Opts.SendTimeout)
	defer cancel()

	start := time.Now()
	err := h.Send(sctx, to, content)
	metrics.DispatchSendDuration.Observe(time.Since(start).Seconds())
	return err
}

// checkpoint persists counters and stops the run if the campaign was moved
// away from processing.
func (e *Engine) checkpoint(ctx context.Context, r *run) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.Store.CheckpointCampaign(cctx, r.c.ID, r.sent, r.failed); err != nil {
		logx.L().Errorw("dispatch_checkpoint_error", "campaign_id", r.c.ID, "error", err)
	} else {
		metrics.DispatchCheckpoints.Inc()
	}

	st, err := e.Store.CampaignStatus(cctx, r.c.ID)
	if err != nil {
		logx.L().Errorw("dispatch_status_error", "campaign_id", r.c.ID, "error", err)
		return nil
	}
	if st != campaign.StatusProcessing {
		logx.L().Infow("dispatch_cancelled", "campaign_id", r.c.ID, "status", st, "sent", r.sent, "failed", r.failed)
		return ErrCancelled
	}
	return nil
}

// abandon saves the current counters on shutdown and returns cause.
func (e *Engine) abandon(r *run, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Store.CheckpointCampaign(ctx, r.c.ID, r.sent, r.failed); err != nil {
		logx.L().Errorw("dispatch_checkpoint_error", "campaign_id", r.c.ID, "error", err)
	}
	logx.L().Infow("dispatch_abandoned", "campaign_id", r.c.ID, "sent", r.sent, "failed", r.failed, "reason", cause)
	return cause
}

// SendNow delivers a single message outside any campaign pacing.
func (e *Engine) SendNow(ctx context.Context, deviceID, to, text string) error {
	h, ok := e.Sessions.LiveSession(deviceID)
	if !ok {
		if err := e.Sessions.RequestReconnect(ctx, deviceID); err != nil {
			logx.L().Warnw("send_now_reconnect_error", "device_id", deviceID, "error", err)
		}
		return ErrSessionUnavailable
	}
	if !h.Authenticated() {
		return ErrSessionUnavailable
	}
	addr, ok := NormalizeAddress(to)
	if !ok {
		return ErrInvalidAddress
	}
	if err := e.send(ctx, h, deviceID, addr, session.Content{Text: text}); err != nil {
		logx.L().Infow("send_now_failed", "device_id", deviceID, "to", logx.Redact(addr), "error", err)
		return err
	}
	logx.L().Infow("send_now_ok", "device_id", deviceID, "to", logx.Redact(addr))
	return nil
}
