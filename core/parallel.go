package core

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

type unitFailure struct {
	ordinal int
	err     error
}

// Parallel launches every unit of a batch at once and joins on all of them.
type Parallel struct {
	provisioner    *Provisioner
	unit           *Unit
	template       unitTemplate
	maxConcurrency int
}

// NewParallel constructs a parallel orchestrator. A positive
// cfg.MaxConcurrency caps the number of units in flight.
func NewParallel(cfg schema.ServiceConfig, provisioner *Provisioner, unit *Unit) *Parallel {
	return &Parallel{
		provisioner:    provisioner,
		unit:           unit,
		template:       newUnitTemplate(cfg),
		maxConcurrency: cfg.MaxConcurrency,
	}
}

// RunBatch provisions the image once, then runs ordinals 1..count
// concurrently. It returns only after every unit settled. Any unit failure
// fails the batch with the unit errors joined in ordinal order. Elapsed covers
// launch through settle and excludes provisioning.
func (p *Parallel) RunBatch(ctx context.Context, id schema.BatchID, count int) (schema.BatchResult, error) {
	if err := schema.ValidateCount(count); err != nil {
		return schema.BatchResult{}, err
	}
	if err := p.provisioner.Ensure(ctx, p.template.image); err != nil {
		return schema.BatchResult{}, err
	}

	var (
		mu       sync.Mutex
		results  []schema.UnitResult
		failures []unitFailure
	)
	var g errgroup.Group
	if p.maxConcurrency > 0 {
		g.SetLimit(p.maxConcurrency)
	}
	started := time.Now()
	for ordinal := 1; ordinal <= count; ordinal++ {
		g.Go(func() error {
			result, err := p.unit.Run(ctx, p.template.spec(id, schema.ModeParallel, ordinal))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				results = append(results, result)
				return nil
			}
			failures = append(failures, unitFailure{ordinal: ordinal, err: err})
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(started)

	if len(failures) > 0 {
		slices.SortFunc(failures, func(a, b unitFailure) int { return cmp.Compare(a.ordinal, b.ordinal) })
		errs := make([]error, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, f.err)
		}
		pslog.Ctx(ctx).Info("parallel batch settled with failures", "failed", len(errs), "count", count)
		return schema.BatchResult{}, errors.Join(errs...)
	}
	slices.SortFunc(results, func(a, b schema.UnitResult) int { return cmp.Compare(a.Ordinal, b.Ordinal) })
	return schema.BatchResult{
		BatchID:        id,
		Mode:           schema.ModeParallel,
		RequestedCount: count,
		Results:        results,
		Elapsed:        elapsed,
	}, nil
}
