// Package gatewayd assembles the gateway's collaborators into one running
// process: the worker shards that serve media connections, the admin
// status/playlist HTTP surface, and the scheduled playlist-refresh job.
package gatewayd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/iptvgw/iptvgw/internal/conn"
	"github.com/iptvgw/iptvgw/internal/config"
	"github.com/iptvgw/iptvgw/internal/gateway"
	"github.com/iptvgw/iptvgw/internal/pki"
	"github.com/iptvgw/iptvgw/internal/playlist"
	"github.com/iptvgw/iptvgw/internal/pool"
	"github.com/iptvgw/iptvgw/internal/scheduler"
	"github.com/iptvgw/iptvgw/internal/status"
	"github.com/iptvgw/iptvgw/internal/stream"
	"github.com/iptvgw/iptvgw/internal/worker"
)

// Run builds every collaborator from cfg and blocks until ctx is
// cancelled, then shuts each of them down.
func Run(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger, levelVar *slog.LevelVar) error {
	bufPool := pool.New(pool.Config{
		BufferSize:     int(cfg.Pool.BufferSizeRaw),
		InitialBuffers: cfg.Pool.InitialBuffers,
		MaxBuffers:     cfg.Pool.MaxBuffers,
		LowWatermark:   cfg.Pool.LowWatermark,
		HighWatermark:  cfg.Pool.HighWatermark,
		ControlReserve: cfg.Pool.ControlReserve,
	}, logger)

	controller := conn.NewController(bufPool, cfg.Pool.LowWatermark)
	statusIndex := status.New(status.DefaultCapacity)
	events := status.NewEventRing(0)
	hostMonitor := status.NewHostMonitor(logger)
	hostMonitor.Start()
	defer hostMonitor.Stop()

	registry, err := buildRegistry(cfg.Services)
	if err != nil {
		return fmt.Errorf("building service registry: %w", err)
	}

	serveFn := gateway.NewServeFunc(gateway.Config{
		Registry: registry,
		Dialer:   worker.NewDialer(),
		Admission: gateway.Admission{
			Hostname:    cfg.Server.Hostname,
			BearerToken: cfg.Server.BearerToken,
			MaxClients:  cfg.Server.MaxClients,
		},
		RejoinInterval: cfg.Rejoin.Interval,
		Logger:         logger,
		StatusIndex:    statusIndex,
		FCCBurstBps:    cfg.Server.FCCBurstBps,
	})

	dscp, err := worker.ParseDSCP(cfg.Server.DSCP)
	if err != nil {
		return fmt.Errorf("server.dscp: %w", err)
	}

	workers := cfg.Server.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	shardErrs := make(chan error, workers)
	shards := make([]*worker.Shard, 0, workers)
	for i := 0; i < workers; i++ {
		ln, err := worker.ListenReusable("tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
		}

		shard := worker.New(worker.Config{
			ID:           i,
			Pool:         bufPool,
			Controller:   controller,
			Reports:      statusIndex,
			UserTimeout:  cfg.Server.UserTimeout,
			TickInterval: cfg.Server.TickInterval,
			Logger:       logger,
			DSCP:         dscp,
			Disconnects:  statusIndex,
		})
		shards = append(shards, shard)
		go func(shard *worker.Shard, ln net.Listener) {
			if err := shard.Run(ctx, ln, serveFn); err != nil {
				shardErrs <- err
			}
		}(shard, ln)
	}

	var playlistCache *gateway.PlaylistCache
	var fetcher *playlist.Fetcher
	if cfg.Playlist.SourceURL != "" {
		playlistCache = gateway.NewPlaylistCache(logger)
		fetcher = playlist.NewFetcher(cfg.Playlist.FetchTimeout)
		base := "http://" + cfg.Server.Listen
		playlistCache.Refresh(ctx, fetcher, cfg.Playlist.SourceURL, base)
	}

	var jobs []scheduler.JobSpec
	if playlistCache != nil && cfg.Scheduler.PlaylistRefreshSchedule != "" {
		base := "http://" + cfg.Server.Listen
		jobs = append(jobs, scheduler.JobSpec{
			Name:     "playlist-refresh",
			Schedule: cfg.Scheduler.PlaylistRefreshSchedule,
			Run: func(ctx context.Context) error {
				playlistCache.Refresh(ctx, fetcher, cfg.Playlist.SourceURL, base)
				return nil
			},
		})
	}
	if cfg.Scheduler.RejoinSchedule != "" {
		jobs = append(jobs, scheduler.JobSpec{
			Name:     "rejoin-sweep",
			Schedule: cfg.Scheduler.RejoinSchedule,
			Run: func(ctx context.Context) error {
				now := time.Now()
				for _, shard := range shards {
					shard.ForceRejoinAll(now)
				}
				return nil
			},
		})
	}
	var sched *scheduler.Scheduler
	if len(jobs) > 0 {
		sched, err = scheduler.New(jobs, logger)
		if err != nil {
			return fmt.Errorf("building scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop(context.Background())
	}

	adminSrv, err := buildAdminServer(cfg, logger, levelVar, statusIndex, events, hostMonitor, playlistCache)
	if err != nil {
		return err
	}
	adminErrs := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled() {
			err = adminSrv.ListenAndServeTLS("", "")
		} else {
			err = adminSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			adminErrs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-shardErrs:
		return err
	case err := <-adminErrs:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	return nil
}

func buildAdminServer(cfg *config.GatewayConfig, logger *slog.Logger, levelVar *slog.LevelVar, idx *status.Index, events *status.EventRing, host *status.HostMonitor, playlistCache *gateway.PlaylistCache) (*http.Server, error) {
	mux := http.NewServeMux()
	router := status.NewRouter(status.Config{
		Index:    idx,
		Events:   events,
		LogLevel: levelVar,
		Route:    cfg.Status.Route,
		Logger:   logger,
		Host:     host,
	})
	mux.Handle("/", router)
	if playlistCache != nil {
		mux.Handle("/playlist.m3u", playlistCache)
	}

	var handler http.Handler = mux
	if len(cfg.Status.ParsedCIDRs) > 0 {
		handler = status.NewACL(cfg.Status.ParsedCIDRs).Middleware(mux)
	}

	addr := cfg.Status.Listen
	if addr == "" {
		addr = cfg.Server.Listen
	}

	srv := &http.Server{Addr: addr, Handler: handler}
	if cfg.TLS.Enabled() {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
		if err != nil {
			return nil, fmt.Errorf("configuring admin TLS: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}
	return srv, nil
}

func buildRegistry(services []config.ServiceConfig) (*stream.Registry, error) {
	out := make([]*stream.Service, 0, len(services))
	for _, sc := range services {
		svc := &stream.Service{Name: sc.Name, Playseek: sc.Playseek}
		if sc.RTSPURL != "" {
			u, err := url.Parse(sc.RTSPURL)
			if err != nil {
				return nil, fmt.Errorf("service %q: parsing rtsp_url: %w", sc.Name, err)
			}
			svc.RTSPURL = u
			svc.RTSPPreferUDP = sc.RTSPTransport == "udp"
		} else {
			svc.Group = net.ParseIP(sc.Group)
			if sc.Source != "" {
				svc.Source = net.ParseIP(sc.Source)
			}
			svc.Port = sc.Port
			if sc.Rendezvous != "" {
				addr, err := net.ResolveUDPAddr("udp", sc.Rendezvous)
				if err != nil {
					return nil, fmt.Errorf("service %q: resolving rendezvous: %w", sc.Name, err)
				}
				svc.Rendezvous = addr
			}
		}
		out = append(out, svc)
	}
	return stream.NewRegistry(out), nil
}
