package core

import (
	"context"

	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

// Provisioner makes the batch image available before any container is created.
type Provisioner struct {
	yard    *shipohoy.Yard
	metrics *Metrics
}

// NewProvisioner constructs a provisioner on the shared yard.
func NewProvisioner(yard *shipohoy.Yard, metrics *Metrics) *Provisioner {
	return &Provisioner{yard: yard, metrics: metrics}
}

// Ensure pulls the image unless the runtime already has it. Repeated calls
// rely on the runtime image cache and never pull twice.
func (p *Provisioner) Ensure(ctx context.Context, image string) error {
	log := pslog.Ctx(ctx).With("image", image)
	log.Debug("image ensure start")
	err := p.yard.EnsureImage(ctx, image)
	p.metrics.ObserveImageEnsure(err)
	if err != nil {
		log.Warn("image ensure failed", "err", err)
		return &schema.ProvisionError{Image: image, Err: err}
	}
	log.Debug("image ensure ok")
	return nil
}
