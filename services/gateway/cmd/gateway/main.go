package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/BroadcastGateway/internal/assign"
	"github.com/Mutter0815/BroadcastGateway/internal/dispatch"
	"github.com/Mutter0815/BroadcastGateway/internal/gateway"
	"github.com/Mutter0815/BroadcastGateway/internal/ratelimit"
	"github.com/Mutter0815/BroadcastGateway/internal/scheduler"
	"github.com/Mutter0815/BroadcastGateway/internal/session/bridge"
	"github.com/Mutter0815/BroadcastGateway/internal/store"
	"github.com/Mutter0815/BroadcastGateway/internal/supervisor"
	"github.com/Mutter0815/BroadcastGateway/pkg/config"
	"github.com/Mutter0815/BroadcastGateway/pkg/db"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/rmq"
	"github.com/Mutter0815/BroadcastGateway/services/gateway/server"
	"github.com/Mutter0815/BroadcastGateway/services/gateway/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadGateway()
	cfg := config.Gateway

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		} else {
			logx.L().Infow("db_closed")
		}
	}()
	st := store.New(sqlDB)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			logx.L().Warnw("redis_close_error", "error", err)
		}
	}()
	limiter := ratelimit.New(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	asg := assign.New(st, cfg.ServerID, cfg.MaxCapacity, cfg.ServerPriority)
	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := asg.Register(regCtx); err != nil {
		logx.L().Fatalw("server_register_error", "server_id", cfg.ServerID, "error", err)
	}
	regCancel()

	sup := supervisor.New(st, asg, bridge.NewConnector(cfg.BridgeURL, cfg.BridgeToken), supervisor.Options{
		StuckTimeout: cfg.StuckTimeout,
		RestoreDelay: cfg.RestoreDelay,
	})
	eng := dispatch.New(st, sup, dispatch.NewHTTPMedia(), dispatch.Options{
		SendTimeout:       cfg.SendTimeout,
		DeviceSendsPerMin: cfg.DeviceSendsPerMin,
	})

	sched := scheduler.New()
	sched.Every("device_check", cfg.DevicePollInterval, cfg.DevicePollInterval, sup.Tick)
	sched.Every("heartbeat", cfg.HeartbeatInterval, 5*time.Second, asg.Heartbeat)
	sched.Every("failover_sweep", cfg.HeartbeatInterval, 30*time.Second, func(ctx context.Context) error {
		_, err := asg.DetectFailed(ctx, cfg.HeartbeatStaleAfter)
		return err
	})
	sched.Every("activate_scheduled", cfg.CampaignPollInterval, 10*time.Second, func(ctx context.Context) error {
		_, err := gateway.ActivateScheduled(ctx, st)
		return err
	})

	var (
		pub      *rmq.Publisher
		cons     *rmq.Consumer
		poller   *gateway.DirectPoller
		workDone = make(chan struct{})
	)
	if cfg.QueueEnabled {
		queue := rmq.QueueName(cfg.QueuePrefix, cfg.ServerID)
		pub, err = rmq.NewPublisher(cfg.RMQURL)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		cons, err = rmq.NewConsumer(cfg.RMQURL, queue, 0)
		if err != nil {
			logx.L().Fatalw("rmq_consumer_init_error", "queue", queue, "error", err)
		}

		gw := gateway.New(st, pub, gateway.NewTracker(cfg.DedupMaxSize, cfg.DedupTTL), cfg.QueuePrefix, cfg.DiscoverMax)
		sched.Every("campaign_discovery", cfg.CampaignPollInterval, cfg.CampaignPollInterval, func(ctx context.Context) error {
			_, err := gw.DiscoverAndEnqueue(ctx)
			return err
		})

		w := worker.New(st, eng, cons, pub, queue, cfg.MaxSessionRetries)
		go func() {
			defer close(workDone)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logx.L().Errorw("worker_run_error", "error", err)
			}
		}()
	} else {
		poller = gateway.NewDirectPoller(st, eng, cfg.ServerID, cfg.DiscoverMax, cfg.MaxSessionRetries)
		// No per-run timeout: dispatches started here inherit the task context.
		sched.Every("campaign_poll", cfg.CampaignPollInterval, 0, func(ctx context.Context) error {
			_, err := poller.Poll(ctx)
			return err
		})
		close(workDone)
	}

	sched.Start(ctx)

	h := server.NewHandlers(cfg.ServerID, sup, eng, asg, limiter)
	srv := server.NewHTTPServer(":"+cfg.Port, h, limiter.Middleware(cfg.RateLimitMax, cfg.RateLimitWindow), cfg.AdminToken)

	go func() {
		logx.L().Infow("gateway_listen_start", "addr", ":"+cfg.Port, "server_id", cfg.ServerID, "queue_enabled", cfg.QueueEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	// Running dispatches checkpoint when ctx is cancelled.
	cancel()
	sched.Stop()
	<-workDone
	if poller != nil {
		poller.Wait()
	}
	sup.Stop(shutdownCtx)

	if cons != nil {
		if err := cons.Close(); err != nil {
			logx.L().Warnw("rmq_consumer_close_error", "error", err)
		}
	}
	if pub != nil {
		if err := pub.Close(); err != nil {
			logx.L().Warnw("rmq_publisher_close_error", "error", err)
		} else {
			logx.L().Infow("rmq_publisher_closed")
		}
	}

	logx.L().Infow("gateway stopped gracefully", "server_id", cfg.ServerID)
}
