package core

import (
	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/pslog"
)

// ServiceDeps captures the collaborators of the core service. Yard is
// required; the rest is optional.
type ServiceDeps struct {
	Yard    *shipohoy.Yard
	Metrics *Metrics
	Logger  pslog.Logger
}
