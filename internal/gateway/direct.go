package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/internal/dispatch"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
)

type pollerStore interface {
	ListProcessingCampaignsForServer(ctx context.Context, serverID string, limit int, exclude []string) ([]campaign.Campaign, error)
	GetDevice(ctx context.Context, id string) (device.Device, error)
	FailCampaign(ctx context.Context, id, reason string) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, c campaign.Campaign) error
	Running(id string) bool
	RunningIDs() []string
}

// DirectPoller starts dispatch in-process for campaigns whose device this
// worker owns. It is used when the queue is disabled.
type DirectPoller struct {
	Store    pollerStore
	Engine   dispatcher
	ServerID string
	Batch    int
	// MaxSessionRetries bounds how many cycles a campaign may wait for its
	// session before it is failed.
	MaxSessionRetries int

	wg      sync.WaitGroup
	mu      sync.Mutex
	waiting map[string]int
}

func NewDirectPoller(st pollerStore, eng dispatcher, serverID string, batch, maxRetries int) *DirectPoller {
	return &DirectPoller{
		Store:             st,
		Engine:            eng,
		ServerID:          serverID,
		Batch:             batch,
		MaxSessionRetries: maxRetries,
		waiting:           map[string]int{},
	}
}

// Poll starts a dispatch goroutine per eligible campaign and returns how many
// were started. Running dispatches stop when ctx is cancelled.
func (p *DirectPoller) Poll(ctx context.Context) (int, error) {
	list, err := p.Store.ListProcessingCampaignsForServer(ctx, p.ServerID, p.Batch, p.Engine.RunningIDs())
	if err != nil {
		return 0, fmt.Errorf("list processing campaigns: %w", err)
	}
	started := 0
	for _, c := range list {
		if p.Engine.Running(c.ID) {
			continue
		}
		owner, ok := ownerOf(ctx, p.Store, c)
		if !ok || owner != p.ServerID {
			continue
		}
		started++
		p.wg.Add(1)
		go func(c campaign.Campaign) {
			defer p.wg.Done()
			p.run(ctx, c)
		}(c)
	}
	return started, nil
}

func (p *DirectPoller) run(ctx context.Context, c campaign.Campaign) {
	err := p.Engine.Dispatch(ctx, c)
	switch {
	case err == nil, errors.Is(err, dispatch.ErrAlreadyRunning):
		p.clear(c.ID)
	case errors.Is(err, dispatch.ErrSessionUnavailable):
		if n := p.bump(c.ID); p.MaxSessionRetries > 0 && n > p.MaxSessionRetries {
			logx.L().Warnw("campaign_session_retries_exhausted", "campaign_id", c.ID, "cycles", n)
			if ferr := p.Store.FailCampaign(ctx, c.ID, "device session unavailable"); ferr != nil {
				logx.L().Errorw("campaign_fail_error", "campaign_id", c.ID, "error", ferr)
			}
			p.clear(c.ID)
		}
	case errors.Is(err, dispatch.ErrCancelled), errors.Is(err, context.Canceled):
		p.clear(c.ID)
	default:
		logx.L().Errorw("dispatch_error", "campaign_id", c.ID, "error", err)
	}
}

func (p *DirectPoller) bump(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting[id]++
	return p.waiting[id]
}

func (p *DirectPoller) clear(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// Wait blocks until every started dispatch has returned.
func (p *DirectPoller) Wait() { p.wg.Wait() }
