package core

import (
	"context"
	"time"

	"pkt.systems/dockerrunner/internal/logx"
	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

// service implements the core service behavior.
type service struct {
	cfg        schema.ServiceConfig
	sequential BatchRunner
	parallel   BatchRunner
	metrics    *Metrics
	// logger replaces the context logger when set.
	logger pslog.Logger
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	if deps.Yard == nil {
		return nil, schema.ErrRuntimeUnavailable
	}
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	deps.Metrics.TrackLive(deps.Yard.Manifest)
	provisioner := NewProvisioner(deps.Yard, deps.Metrics)
	unit := NewUnit(deps.Yard, deps.Metrics)
	return &service{
		cfg:        cfg,
		sequential: NewSequential(cfg, provisioner, unit),
		parallel:   NewParallel(cfg, provisioner, unit),
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}, nil
}

func (s *service) SpinSequential(ctx context.Context, count int) (schema.BatchResult, error) {
	return s.spin(ctx, schema.ModeSequential, s.sequential, count)
}

func (s *service) SpinParallel(ctx context.Context, count int) (schema.BatchResult, error) {
	return s.spin(ctx, schema.ModeParallel, s.parallel, count)
}

func (s *service) spin(ctx context.Context, mode schema.Mode, runner BatchRunner, count int) (schema.BatchResult, error) {
	if s.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, s.logger)
	}
	if err := schema.ValidateCount(count); err != nil {
		pslog.Ctx(ctx).Warn("batch rejected", "mode", mode, "err", err)
		return schema.BatchResult{}, err
	}
	id := newBatchID()
	log := logx.WithBatch(ctx, id, mode)
	ctx = logx.ContextWithBatchLogger(ctx, log, id)
	log.Info("batch start", "count", count, "image", s.cfg.Image)
	started := time.Now()
	result, err := runner.RunBatch(ctx, id, count)
	took := time.Since(started)
	s.metrics.ObserveBatch(mode, err, took)
	if err != nil {
		log.Warn("batch failed", "err", err, "duration_ms", took.Milliseconds())
		return schema.BatchResult{}, err
	}
	log.Info("batch ok", "results", len(result.Results), "duration_ms", took.Milliseconds())
	return result, nil
}
