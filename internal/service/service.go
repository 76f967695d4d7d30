package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"oracle-predictor/internal/api"
	"oracle-predictor/internal/calibrate"
	"oracle-predictor/internal/ingest"
	"oracle-predictor/internal/scheduler"
)

// Service runs the full pipeline: trade ingestion, the query API, and the
// optional periodic calibration job, under one context.
type Service struct {
	ingestor *ingest.Ingestor
	server   *api.Server
	engine   *calibrate.Engine
	sched    *scheduler.Scheduler
	targets  []calibrate.Target
	logger   zerolog.Logger
}

// New assembles the long-running service. sched may be nil when periodic
// calibration is disabled.
func New(ingestor *ingest.Ingestor, server *api.Server, engine *calibrate.Engine, sched *scheduler.Scheduler, targets []calibrate.Target, logger zerolog.Logger) *Service {
	return &Service{
		ingestor: ingestor,
		server:   server,
		engine:   engine,
		sched:    sched,
		targets:  targets,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Run blocks until ctx is cancelled or a component fails fatally.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var started int

	if s.ingestor != nil {
		started++
		go func() { errCh <- s.ingestor.Run(ctx) }()
	}
	if s.server != nil {
		started++
		go func() { errCh <- s.server.Run(ctx) }()
	}
	if s.sched != nil && s.engine != nil && len(s.targets) > 0 {
		started++
		go func() {
			errCh <- s.sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
				return s.engine.Run(ctx, s.targets)
			})
		}()
	}

	if started == 0 {
		return errors.New("nothing to run")
	}

	var firstErr error
	for i := 0; i < started; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}
