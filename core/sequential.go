package core

import (
	"context"

	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

// Sequential runs the units of a batch one after another in ordinal order.
type Sequential struct {
	provisioner *Provisioner
	unit        *Unit
	template    unitTemplate
}

// NewSequential constructs a sequential orchestrator.
func NewSequential(cfg schema.ServiceConfig, provisioner *Provisioner, unit *Unit) *Sequential {
	return &Sequential{provisioner: provisioner, unit: unit, template: newUnitTemplate(cfg)}
}

// RunBatch provisions the image once, then runs ordinals 1..count. Unit k+1
// is not created before unit k is fully retired. The first unit failure ends
// the batch and no partial result is returned.
func (s *Sequential) RunBatch(ctx context.Context, id schema.BatchID, count int) (schema.BatchResult, error) {
	if err := schema.ValidateCount(count); err != nil {
		return schema.BatchResult{}, err
	}
	if err := s.provisioner.Ensure(ctx, s.template.image); err != nil {
		return schema.BatchResult{}, err
	}
	log := pslog.Ctx(ctx)
	var results []schema.UnitResult
	for ordinal := 1; ordinal <= count; ordinal++ {
		result, err := s.unit.Run(ctx, s.template.spec(id, schema.ModeSequential, ordinal))
		if err != nil {
			if remaining := count - ordinal; remaining > 0 {
				log.Info("sequential batch aborted", "ordinal", ordinal, "skipped", remaining)
			}
			return schema.BatchResult{}, err
		}
		results = append(results, result)
	}
	return schema.BatchResult{
		BatchID:        id,
		Mode:           schema.ModeSequential,
		RequestedCount: count,
		Results:        results,
	}, nil
}
