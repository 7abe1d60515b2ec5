// Package session wires every sync component for one client process.
package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/boardsync/internal/api"
	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/config"
	"github.com/agentworkforce/boardsync/internal/connectivity"
	"github.com/agentworkforce/boardsync/internal/domain"
	"github.com/agentworkforce/boardsync/internal/drain"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/pushchannel"
	"github.com/agentworkforce/boardsync/internal/queue"
	"github.com/agentworkforce/boardsync/internal/watch"
)

type Options struct {
	// Warn receives user-facing warnings, e.g. rejected queued changes.
	Warn       func(message string)
	HTTPClient *http.Client
}

type Session struct {
	Config   config.Config
	Detector *connectivity.Detector
	Queue    queue.Queue
	Client   *api.Client
	Guarded  *api.GuardedClient
	Bus      *bus.Bus
	Consumer *pushchannel.Consumer
	Stores   *domain.Stores
	Drain    *drain.Controller

	logger        zerolog.Logger
	health        *connectivity.HealthChecker
	flagWatcher   *watch.FileWatcher
	markerWatcher *drain.MarkerWatcher
	metricsServer *http.Server
}

// New builds the component graph. Nothing touches the network until Start.
func New(cfg config.Config, opts Options) (*Session, error) {
	logger := logging.WithComponent("session")
	q, err := queue.BuildFromDSN(cfg.QueueDSN, cfg.SessionID, cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	s := &Session{
		Config:   cfg,
		Detector: connectivity.NewDetector(true),
		Queue:    q,
		Client:   api.NewClient(cfg.BaseURL, cfg.Token, httpClient),
		Bus:      bus.New(logging.WithComponent("bus")),
		logger:   logger,
	}
	s.Guarded = api.NewGuardedClient(s.Client, s.Detector, q, logging.WithComponent("api"))
	s.Consumer = pushchannel.NewConsumer(s.Bus, s.Detector, pushchannel.Options{
		BaseURL:     cfg.BaseURL,
		SessionID:   cfg.SessionID,
		Token:       cfg.Token,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
		MaxFailures: cfg.MaxFailures,
		Logger:      logging.WithComponent("pushchannel"),
	})
	s.Stores = domain.NewStores(s.Client, s.Guarded, s.Bus)
	warn := opts.Warn
	s.Drain = drain.NewController(q, s.Client, s.Detector, s.Bus, drain.Options{
		ReplayRate: cfg.ReplayRate,
		Warn: func(message string) {
			logger.Warn().Msg(message)
			if warn != nil {
				warn(message)
			}
		},
		Logger: logging.WithComponent("drain"),
	})
	s.Guarded.OnEnqueue(s.Drain.Notify)
	s.health = connectivity.NewHealthChecker(s.Client, s.Detector, connectivity.HealthCheckerOptions{
		Interval:    cfg.HealthInterval,
		JitterRatio: cfg.HealthJitter,
		Timeout:     cfg.HealthTimeout,
		Logger:      logging.WithComponent("connectivity"),
	})
	if n, err := q.Len(context.Background()); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	return s, nil
}

// Start checks connectivity, loads every store and starts the background
// components. A failed initial fetch is logged, not returned: the stores
// refetch on reconnect.
func (s *Session) Start(ctx context.Context) error {
	if s.Config.MetricsAddr != "" {
		if err := s.startMetrics(); err != nil {
			return err
		}
	}
	if s.Config.OfflineFlagFile != "" {
		fw, err := connectivity.WatchFlagFile(s.Detector, s.Config.OfflineFlagFile, logging.WithComponent("connectivity"))
		if err != nil {
			return err
		}
		s.flagWatcher = fw
	}
	if s.health.CheckOnce(ctx) {
		if err := s.Stores.FetchAll(ctx, s.Config.ProjectID); err != nil {
			s.logger.Warn().Err(err).Msg("initial fetch incomplete")
		}
	} else {
		s.logger.Warn().Msg("server unreachable, starting offline")
	}
	if err := s.Consumer.Start(ctx); err != nil {
		return err
	}
	s.Drain.Start()
	if s.Config.DrainMarkerFile != "" {
		mw, err := drain.WatchMarker(s.Drain, s.Config.DrainMarkerFile)
		if err != nil {
			return err
		}
		s.markerWatcher = mw
	}
	s.health.Start(ctx)
	s.logger.Info().
		Str("session", s.Config.SessionID).
		Str("project", s.Config.ProjectID).
		Bool("online", s.Detector.Online()).
		Msg("session started")
	return nil
}

func (s *Session) startMetrics() error {
	ln, err := net.Listen("tcp", s.Config.MetricsAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	return nil
}

// Close stops everything in reverse start order and closes the queue.
func (s *Session) Close() error {
	var errs []error
	s.health.Stop()
	if s.markerWatcher != nil {
		errs = append(errs, s.markerWatcher.Stop())
	}
	s.Drain.Stop()
	s.Consumer.Stop()
	s.Stores.Close()
	if s.flagWatcher != nil {
		errs = append(errs, s.flagWatcher.Stop())
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.metricsServer.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, s.Queue.Close())
	return errors.Join(errs...)
}
