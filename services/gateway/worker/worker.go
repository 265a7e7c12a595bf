package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
	"github.com/Mutter0815/BroadcastGateway/internal/dispatch"
	"github.com/Mutter0815/BroadcastGateway/internal/store"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
)

const maxBackoff = 60 * time.Second

type storeAPI interface {
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	FailCampaign(ctx context.Context, id, reason string) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, c campaign.Campaign) error
}

type consumerAPI interface {
	Consume() (<-chan amqp.Delivery, error)
}

type publisherAPI interface {
	PublishJSONWithHeaders(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

// Worker consumes dispatch jobs from this server's queue. Each job runs in its
// own goroutine so campaigns on different devices proceed in parallel.
type Worker struct {
	Store  storeAPI
	Engine dispatcher
	Cons   consumerAPI
	Pub    publisherAPI
	Queue  string
	// MaxRetries bounds requeues of a job whose device session is unavailable.
	MaxRetries int

	backoff func(retries int) time.Duration
	wg      sync.WaitGroup
}

func New(st storeAPI, eng dispatcher, cons consumerAPI, pub publisherAPI, queue string, maxRetries int) *Worker {
	return &Worker{
		Store:      st,
		Engine:     eng,
		Cons:       cons,
		Pub:        pub,
		Queue:      queue,
		MaxRetries: maxRetries,
		backoff:    backoffDelay,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.Cons.Consume()
	if err != nil {
		return err
	}
	logx.L().Infow("worker_started", "queue", w.Queue)
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("worker_stopping")
			return ctx.Err()

		case d, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed")
				return nil
			}
			w.wg.Add(1)
			go func(d amqp.Delivery) {
				defer w.wg.Done()
				w.handle(ctx, d)
			}(d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	metrics.WorkerJobsConsumed.Inc()
	defer func() { metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds()) }()

	var job campaign.JobMessage
	if err := json.Unmarshal(d.Body, &job); err != nil || job.CampaignID == "" {
		logx.L().Warnw("job_unmarshal_error", "error", err)
		_ = d.Ack(false)
		return
	}
	fields := []any{"campaign_id", job.CampaignID, "device_id", job.DeviceID}

	ctx1, cancel1 := context.WithTimeout(ctx, 5*time.Second)
	c, err := w.Store.GetCampaign(ctx1, job.CampaignID)
	cancel1()
	if errors.Is(err, store.ErrNotFound) {
		logx.L().Warnw("job_campaign_missing", fields...)
		_ = d.Ack(false)
		return
	}
	if err != nil {
		logx.L().Errorw("db_get_campaign_error", append(fields, "error", err)...)
		_ = d.Nack(false, true)
		return
	}
	if c.Status != campaign.StatusProcessing {
		logx.L().Infow("job_campaign_not_processing", append(fields, "status", c.Status)...)
		_ = d.Ack(false)
		return
	}

	err = w.Engine.Dispatch(ctx, c)
	switch {
	case err == nil, errors.Is(err, dispatch.ErrCancelled), errors.Is(err, dispatch.ErrAlreadyRunning):
		_ = d.Ack(false)

	case errors.Is(err, context.Canceled):
		// Shutdown: hand the job back; it resumes from the last checkpoint.
		_ = d.Nack(false, true)

	case errors.Is(err, dispatch.ErrSessionUnavailable):
		retries := headerRetries(d.Headers)
		if retries >= w.MaxRetries {
			logx.L().Warnw("job_session_retries_exhausted", append(fields, "retries", retries)...)
			ctx2, cancel2 := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if ferr := w.Store.FailCampaign(ctx2, c.ID, "device session unavailable"); ferr != nil {
				logx.L().Errorw("db_fail_campaign_error", append(fields, "error", ferr)...)
			}
			cancel2()
			_ = d.Ack(false)
			return
		}
		w.retry(ctx, d, retries, fields)

	default:
		logx.L().Errorw("dispatch_error", append(fields, "error", err)...)
		w.retry(ctx, d, headerRetries(d.Headers), fields)
	}
}

func (w *Worker) retry(ctx context.Context, d amqp.Delivery, retries int, fields []any) {
	if retries >= w.MaxRetries {
		logx.L().Warnw("drop_after_retries", append(fields, "retries", retries)...)
		_ = d.Ack(false)
		return
	}
	delay := w.backoff(retries + 1)
	metrics.WorkerJobRetries.Inc()
	logx.L().Infow("retry_requeue", append(fields, "retries", retries+1, "delay", delay.String())...)
	if err := w.requeueMessage(ctx, d, retries+1, delay); err != nil {
		logx.L().Errorw("retry_publish_error", append(fields, "retries", retries+1, "error", err)...)
		_ = d.Nack(false, true)
	}
}

func (w *Worker) requeueMessage(ctx context.Context, d amqp.Delivery, retries int, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	headers := copyHeaders(d.Headers)
	setHeaderRetries(&headers, retries)

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Pub.PublishJSONWithHeaders(pubCtx, w.Queue, d.Body, headers); err != nil {
		return err
	}

	return d.Ack(false)
}

func headerRetries(h amqp.Table) int {
	if h == nil {
		return 0
	}
	if v, ok := h["x-retries"]; ok {
		switch t := v.(type) {
		case int32:
			return int(t)
		case int64:
			return int(t)
		case int:
			return t
		case uint8:
			return int(t)
		}
	}
	return 0
}

func setHeaderRetries(h *amqp.Table, n int) {
	if *h == nil {
		*h = amqp.Table{}
	}
	(*h)["x-retries"] = int32(n)
}

func backoffDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	sec := math.Pow(2, float64(retries-1))
	return min(time.Duration(sec)*time.Second, maxBackoff)
}

func copyHeaders(h amqp.Table) amqp.Table {
	if h == nil {
		return amqp.Table{}
	}
	dup := make(amqp.Table, len(h))
	for k, v := range h {
		dup[k] = v
	}
	return dup
}
