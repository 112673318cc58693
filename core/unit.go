package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"pkt.systems/dockerrunner/internal/logx"
	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

const (
	// LabelBatch carries the batch id on every container of a batch.
	LabelBatch = "dockerrunner.batch"
	// LabelOrdinal carries the unit ordinal.
	LabelOrdinal = "dockerrunner.ordinal"
	// EnvOrdinal tells the guest program which unit it is.
	EnvOrdinal = "CONTAINER_NUMBER"
)

// UnitSpec is the immutable configuration of one container unit.
type UnitSpec struct {
	Ordinal      int
	BatchID      schema.BatchID
	Mode         schema.Mode
	Image        string
	Command      []string
	ScriptsDir   string
	ScriptsMount string
}

// ContainerSpec renders the runtime spec. The yard adds its name prefix.
func (s UnitSpec) ContainerSpec() shipohoy.ContainerSpec {
	ordinal := strconv.Itoa(s.Ordinal)
	labels := map[string]string{LabelOrdinal: ordinal}
	if s.BatchID != "" {
		labels[LabelBatch] = string(s.BatchID)
	}
	return shipohoy.ContainerSpec{
		Name:    fmt.Sprintf("%d-%d", s.Ordinal, time.Now().UnixNano()),
		Image:   s.Image,
		Command: append([]string(nil), s.Command...),
		Env:     map[string]string{EnvOrdinal: ordinal},
		Labels:  labels,
		Mounts: []shipohoy.Mount{{
			Source:   s.ScriptsDir,
			Target:   s.ScriptsMount,
			ReadOnly: true,
		}},
	}
}

// unitTemplate stamps out unit specs for a batch.
type unitTemplate struct {
	image        string
	command      []string
	scriptsDir   string
	scriptsMount string
}

func newUnitTemplate(cfg schema.ServiceConfig) unitTemplate {
	return unitTemplate{
		image:        cfg.Image,
		command:      cfg.Command,
		scriptsDir:   cfg.ScriptsDir,
		scriptsMount: cfg.ScriptsMount,
	}
}

func (t unitTemplate) spec(id schema.BatchID, mode schema.Mode, ordinal int) UnitSpec {
	return UnitSpec{
		Ordinal:      ordinal,
		BatchID:      id,
		Mode:         mode,
		Image:        t.image,
		Command:      t.command,
		ScriptsDir:   t.scriptsDir,
		ScriptsMount: t.scriptsMount,
	}
}

// Unit drives one container through create, start, wait, logs and remove.
type Unit struct {
	yard    *shipohoy.Yard
	metrics *Metrics
}

// NewUnit constructs a unit runner on the shared yard.
func NewUnit(yard *shipohoy.Yard, metrics *Metrics) *Unit {
	return &Unit{yard: yard, metrics: metrics}
}

// Run executes the unit. Once the container exists its removal is attempted
// on every path before Run returns, and a removal failure never replaces the
// result or the primary error.
func (u *Unit) Run(ctx context.Context, spec UnitSpec) (schema.UnitResult, error) {
	log := logx.WithUnit(pslog.Ctx(ctx), spec.Ordinal)
	ctx = pslog.ContextWithLogger(ctx, log)
	log.Debug("unit start")

	handle, err := u.yard.ShipOut(ctx, spec.ContainerSpec())
	if err != nil {
		return u.fail(log, spec, schema.StageCreate, err)
	}
	defer u.release(context.WithoutCancel(ctx), log, spec.Ordinal, handle)

	if err := u.yard.Start(ctx, handle); err != nil {
		return u.fail(log, spec, schema.StageStart, err)
	}
	code, err := u.yard.Wait(ctx, handle)
	if err != nil {
		return u.fail(log, spec, schema.StageWait, err)
	}
	if code != 0 {
		log.Info("unit guest exited non-zero", "exit_code", code)
	}
	raw, err := u.yard.Logs(ctx, handle)
	if err != nil {
		return u.fail(log, spec, schema.StageLogs, err)
	}
	u.metrics.ObserveUnit(spec.Mode, "", nil)
	log.Debug("unit ok", "container", handle.Name(), "bytes", len(raw))
	return schema.UnitResult{Ordinal: spec.Ordinal, Output: Sanitize(raw)}, nil
}

func (u *Unit) fail(log pslog.Logger, spec UnitSpec, stage schema.Stage, err error) (schema.UnitResult, error) {
	u.metrics.ObserveUnit(spec.Mode, stage, err)
	log.Warn("unit failed", "stage", stage, "err", err)
	return schema.UnitResult{}, &schema.UnitError{Ordinal: spec.Ordinal, Stage: stage, Err: err}
}

func (u *Unit) release(ctx context.Context, log pslog.Logger, ordinal int, handle shipohoy.Handle) {
	if err := u.yard.Discharge(ctx, handle); err != nil {
		cleanupErr := &schema.CleanupError{Ordinal: ordinal, Container: handle.Name(), Err: err}
		u.metrics.ObserveCleanupFailure()
		log.Warn("unit cleanup failed", "err", cleanupErr)
	}
}
