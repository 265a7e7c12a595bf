// Package gateway moves processing campaigns to the dispatch queue of the
// worker owning their device, or dispatches them in-process when no queue is
// configured.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
	"github.com/Mutter0815/BroadcastGateway/pkg/rmq"
)

type storeAPI interface {
	ListProcessingCampaigns(ctx context.Context, limit int, exclude []string) ([]campaign.Campaign, error)
	GetDevice(ctx context.Context, id string) (device.Device, error)
	FailCampaign(ctx context.Context, id, reason string) error
}

type publisherAPI interface {
	PublishJSON(ctx context.Context, queue string, body []byte) error
}

type Gateway struct {
	Store       storeAPI
	Pub         publisherAPI
	Dedup       *Tracker
	QueuePrefix string
	Batch       int
}

func New(st storeAPI, pub publisherAPI, dedup *Tracker, prefix string, batch int) *Gateway {
	return &Gateway{Store: st, Pub: pub, Dedup: dedup, QueuePrefix: prefix, Batch: batch}
}

// DiscoverAndEnqueue publishes one job per newly seen processing campaign and
// returns how many were enqueued.
func (g *Gateway) DiscoverAndEnqueue(ctx context.Context) (int, error) {
	list, err := g.Store.ListProcessingCampaigns(ctx, g.Batch, g.Dedup.IDs())
	if err != nil {
		return 0, fmt.Errorf("list processing campaigns: %w", err)
	}

	n := 0
	for _, c := range list {
		if g.Dedup.Seen(c.ID) {
			metrics.DedupSkipped.Inc()
			continue
		}
		owner, ok := ownerOf(ctx, g.Store, c)
		if !ok {
			continue
		}

		body, err := json.Marshal(campaign.JobMessage{CampaignID: c.ID, DeviceID: c.DeviceID, TenantID: c.TenantID})
		if err != nil {
			logx.L().Errorw("job_marshal_error", "campaign_id", c.ID, "error", err)
			continue
		}

		queue := rmq.QueueName(g.QueuePrefix, owner)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = g.Pub.PublishJSON(pctx, queue, body)
		cancel()
		if errors.Is(err, rmq.ErrUnavailable) {
			logx.L().Errorw("enqueue_transport_unavailable", "campaign_id", c.ID, "queue", queue, "error", err)
			if ferr := g.Store.FailCampaign(ctx, c.ID, "queue transport unavailable"); ferr != nil {
				logx.L().Errorw("campaign_fail_error", "campaign_id", c.ID, "error", ferr)
			}
			continue
		}
		if err != nil {
			logx.L().Warnw("enqueue_error", "campaign_id", c.ID, "queue", queue, "error", err)
			continue
		}

		g.Dedup.Mark(c.ID)
		metrics.PublishedJobsTotal.Inc()
		logx.L().Infow("campaign_enqueued", "campaign_id", c.ID, "queue", queue)
		n++
	}
	return n, nil
}

type deviceGetter interface {
	GetDevice(ctx context.Context, id string) (device.Device, error)
}

// ownerOf validates c and returns the server owning its device.
func ownerOf(ctx context.Context, st deviceGetter, c campaign.Campaign) (string, bool) {
	if _, err := uuid.Parse(c.ID); err != nil {
		logx.L().Warnw("campaign_id_malformed", "campaign_id", c.ID)
		return "", false
	}
	if c.DeviceID == "" {
		logx.L().Warnw("campaign_device_missing", "campaign_id", c.ID)
		return "", false
	}
	d, err := st.GetDevice(ctx, c.DeviceID)
	if err != nil {
		logx.L().Warnw("campaign_device_lookup_error", "campaign_id", c.ID, "device_id", c.DeviceID, "error", err)
		return "", false
	}
	if d.Owner() == "" {
		logx.L().Debugw("campaign_device_unassigned", "campaign_id", c.ID, "device_id", c.DeviceID)
		return "", false
	}
	return d.Owner(), true
}

type activatorAPI interface {
	ActivateDueCampaigns(ctx context.Context, now time.Time) (int64, error)
}

// ActivateScheduled moves drafts whose scheduled time has passed to processing.
func ActivateScheduled(ctx context.Context, st activatorAPI) (int64, error) {
	n, err := st.ActivateDueCampaigns(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("activate scheduled campaigns: %w", err)
	}
	if n > 0 {
		logx.L().Infow("campaigns_activated", "count", n)
	}
	return n, nil
}
