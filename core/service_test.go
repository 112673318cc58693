package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/dockerrunner/schema"
)

const testImage = "docker.io/library/python:3.11-slim"

func newTestService(t *testing.T, rt *fakeRuntime, mutate func(*schema.ServiceConfig)) (Service, *shipohoy.Yard, *Metrics) {
	t.Helper()
	cfg := schema.ServiceConfig{
		Image:      testImage,
		ScriptsDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	yard := shipohoy.Commission(shipohoy.YardPlan{NamePrefix: "hello-container-"}, rt)
	metrics := NewMetrics()
	svc, err := NewService(cfg, ServiceDeps{Yard: yard, Metrics: metrics})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, yard, metrics
}

func TestSpinSequentialReturnsResultsInOrder(t *testing.T) {
	rt := newFakeRuntime()
	svc, yard, _ := newTestService(t, rt, nil)

	result, err := svc.SpinSequential(context.Background(), 3)
	if err != nil {
		t.Fatalf("SpinSequential: %v", err)
	}
	want := []schema.UnitResult{
		{Ordinal: 1, Output: "Hello from container 1"},
		{Ordinal: 2, Output: "Hello from container 2"},
		{Ordinal: 3, Output: "Hello from container 3"},
	}
	if !reflect.DeepEqual(result.Results, want) {
		t.Fatalf("unexpected results %+v", result.Results)
	}
	if result.Mode != schema.ModeSequential || result.RequestedCount != 3 {
		t.Fatalf("unexpected batch metadata %+v", result)
	}
	if result.BatchID == "" {
		t.Fatalf("expected batch id")
	}
	if yard.Manifest() != 0 || rt.liveCount() != 0 {
		t.Fatalf("expected every container removed")
	}
}

func TestSpinSequentialRetiresEachUnitBeforeNext(t *testing.T) {
	rt := newFakeRuntime()
	svc, _, _ := newTestService(t, rt, nil)
	if _, err := svc.SpinSequential(context.Background(), 2); err != nil {
		t.Fatalf("SpinSequential: %v", err)
	}
	want := []string{
		"ensure:" + testImage,
		"create:1", "start:1", "wait:1", "logs:1", "remove:1",
		"create:2", "start:2", "wait:2", "logs:2", "remove:2",
	}
	if got := rt.callLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected call order:\n got %v\nwant %v", got, want)
	}
}

func TestSpinSequentialAbortsOnUnitFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitErr[2] = errors.New("container runtime fault")
	svc, yard, metrics := newTestService(t, rt, nil)

	_, err := svc.SpinSequential(context.Background(), 3)
	var unitErr *schema.UnitError
	if !errors.As(err, &unitErr) {
		t.Fatalf("expected UnitError, got %v", err)
	}
	if unitErr.Ordinal != 2 || unitErr.Stage != schema.StageWait {
		t.Fatalf("unexpected unit error %+v", unitErr)
	}
	if !strings.Contains(err.Error(), "container runtime fault") {
		t.Fatalf("expected daemon text in error, got %q", err)
	}
	for _, call := range []string{"create:1", "start:1", "wait:1", "logs:1", "remove:1", "remove:2"} {
		if !rt.has(call) {
			t.Fatalf("expected %s in %v", call, rt.callLog())
		}
	}
	if rt.has("logs:2") || rt.has("create:3") {
		t.Fatalf("unexpected calls after failure: %v", rt.callLog())
	}
	if yard.Manifest() != 0 {
		t.Fatalf("expected no tracked containers, got %d", yard.Manifest())
	}
	if got := testutil.ToFloat64(metrics.UnitFailures.WithLabelValues("wait")); got != 1 {
		t.Fatalf("expected one wait failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Batches.WithLabelValues("sequential", "error")); got != 1 {
		t.Fatalf("expected one failed batch, got %v", got)
	}
}

func TestSpinParallelCoversEveryOrdinal(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitGate = make(chan struct{})
	svc, yard, _ := newTestService(t, rt, nil)

	type outcome struct {
		result schema.BatchResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.SpinParallel(context.Background(), 5)
		done <- outcome{res, err}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for rt.waitingCount() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected all 5 units waiting concurrently, got %d", rt.waitingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(rt.waitGate)
	out := <-done
	if out.err != nil {
		t.Fatalf("SpinParallel: %v", out.err)
	}
	if len(out.result.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(out.result.Results))
	}
	ordinals := out.result.Ordinals()
	sort.Ints(ordinals)
	if !reflect.DeepEqual(ordinals, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected ordinals %v", ordinals)
	}
	for _, r := range out.result.Results {
		if r.Output != fmt.Sprintf("Hello from container %d", r.Ordinal) {
			t.Fatalf("output not attributed to its ordinal: %+v", r)
		}
	}
	if out.result.Elapsed < 0 {
		t.Fatalf("expected non-negative elapsed, got %s", out.result.Elapsed)
	}
	if out.result.Mode != schema.ModeParallel || out.result.RequestedCount != 5 {
		t.Fatalf("unexpected batch metadata %+v", out.result)
	}
	if yard.Manifest() != 0 {
		t.Fatalf("expected every container removed")
	}
}

func TestSpinParallelSettlesAllBeforeFailing(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr[4] = errors.New("start refused")
	rt.logsErr[2] = errors.New("logs unavailable")
	svc, yard, _ := newTestService(t, rt, nil)

	_, err := svc.SpinParallel(context.Background(), 5)
	if err == nil {
		t.Fatalf("expected batch failure")
	}
	var unitErr *schema.UnitError
	if !errors.As(err, &unitErr) || unitErr.Ordinal != 2 || unitErr.Stage != schema.StageLogs {
		t.Fatalf("expected first error to be ordinal 2 logs, got %v", err)
	}
	if !strings.Contains(err.Error(), "container 4 start failed") {
		t.Fatalf("expected ordinal 4 failure in %q", err)
	}
	for ordinal := 1; ordinal <= 5; ordinal++ {
		if !rt.has(fmt.Sprintf("remove:%d", ordinal)) {
			t.Fatalf("expected container %d removed, calls %v", ordinal, rt.callLog())
		}
	}
	for _, ordinal := range []int{1, 3, 5} {
		if !rt.has(fmt.Sprintf("logs:%d", ordinal)) {
			t.Fatalf("expected unit %d to run to completion", ordinal)
		}
	}
	if yard.Manifest() != 0 {
		t.Fatalf("expected no tracked containers")
	}
}

func TestSpinParallelHonorsConcurrencyLimit(t *testing.T) {
	rt := newFakeRuntime()
	svc, _, _ := newTestService(t, rt, func(cfg *schema.ServiceConfig) {
		cfg.MaxConcurrency = 2
	})
	result, err := svc.SpinParallel(context.Background(), 6)
	if err != nil {
		t.Fatalf("SpinParallel: %v", err)
	}
	if len(result.Results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(result.Results))
	}
	if rt.maxInflight > 2 {
		t.Fatalf("expected at most 2 units in flight, saw %d", rt.maxInflight)
	}
}

func TestSpinSequentialLargestCountFailsAtFirstUnit(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr[1] = errors.New("no space left on device")
	svc, yard, _ := newTestService(t, rt, nil)

	_, err := svc.SpinSequential(context.Background(), schema.MaxCount)
	var unitErr *schema.UnitError
	if !errors.As(err, &unitErr) {
		t.Fatalf("expected UnitError, got %v", err)
	}
	if unitErr.Ordinal != 1 || unitErr.Stage != schema.StageCreate {
		t.Fatalf("unexpected unit error %+v", unitErr)
	}
	if rt.has("create:2") {
		t.Fatalf("unexpected calls after failure: %v", rt.callLog())
	}
	if yard.Manifest() != 0 {
		t.Fatalf("expected no tracked containers, got %d", yard.Manifest())
	}
}

func TestSpinRejectsCountAboveBound(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("int cannot exceed the count bound")
	}
	rt := newFakeRuntime()
	svc, _, _ := newTestService(t, rt, nil)
	over := int64(schema.MaxCount) + 1
	for _, spin := range []func(context.Context, int) (schema.BatchResult, error){svc.SpinSequential, svc.SpinParallel} {
		if _, err := spin(context.Background(), int(over)); !errors.Is(err, schema.ErrInvalidCount) {
			t.Fatalf("expected ErrInvalidCount, got %v", err)
		}
	}
	if calls := rt.callLog(); len(calls) != 0 {
		t.Fatalf("expected no runtime calls, got %v", calls)
	}
}

func TestSpinRejectsInvalidCountWithoutRuntimeCalls(t *testing.T) {
	rt := newFakeRuntime()
	svc, _, _ := newTestService(t, rt, nil)
	for _, count := range []int{0, -1, -50} {
		if _, err := svc.SpinSequential(context.Background(), count); !errors.Is(err, schema.ErrInvalidCount) {
			t.Fatalf("sequential %d: expected ErrInvalidCount, got %v", count, err)
		}
		if _, err := svc.SpinParallel(context.Background(), count); !errors.Is(err, schema.ErrInvalidCount) {
			t.Fatalf("parallel %d: expected ErrInvalidCount, got %v", count, err)
		}
	}
	if calls := rt.callLog(); len(calls) != 0 {
		t.Fatalf("expected no runtime calls, got %v", calls)
	}
}

func TestSpinFailsOnProvisionErrorBeforeCreate(t *testing.T) {
	rt := newFakeRuntime()
	rt.pullErr = errors.New("pull access denied")
	svc, _, metrics := newTestService(t, rt, nil)
	for _, spin := range []func(context.Context, int) (schema.BatchResult, error){svc.SpinSequential, svc.SpinParallel} {
		_, err := spin(context.Background(), 2)
		var provErr *schema.ProvisionError
		if !errors.As(err, &provErr) || provErr.Image != testImage {
			t.Fatalf("expected ProvisionError, got %v", err)
		}
	}
	for _, call := range rt.callLog() {
		if strings.HasPrefix(call, "create:") {
			t.Fatalf("unexpected create after provisioning failure: %v", rt.callLog())
		}
	}
	if got := testutil.ToFloat64(metrics.ImageEnsures.WithLabelValues("error")); got != 2 {
		t.Fatalf("expected two failed ensures, got %v", got)
	}
}

func TestSpinSwallowsCleanupFailures(t *testing.T) {
	rt := newFakeRuntime()
	rt.removeErr = errors.New("device busy")
	svc, yard, metrics := newTestService(t, rt, nil)
	result, err := svc.SpinParallel(context.Background(), 3)
	if err != nil {
		t.Fatalf("expected cleanup failure to be swallowed, got %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result.Results))
	}
	if got := testutil.ToFloat64(metrics.CleanupFailures); got != 3 {
		t.Fatalf("expected 3 cleanup failures, got %v", got)
	}
	if yard.Manifest() != 3 {
		t.Fatalf("expected leftovers to stay tracked, got %d", yard.Manifest())
	}
	rt.mu.Lock()
	rt.removeErr = nil
	rt.mu.Unlock()
	if removed := yard.DischargeAll(context.Background()); removed != 3 {
		t.Fatalf("expected DischargeAll to remove leftovers, got %d", removed)
	}
}

func TestSpinLabelsContainersWithBatchID(t *testing.T) {
	old := newBatchID
	newBatchID = func() schema.BatchID { return "batch-fixed" }
	t.Cleanup(func() { newBatchID = old })

	rt := newFakeRuntime()
	svc, _, _ := newTestService(t, rt, nil)
	result, err := svc.SpinSequential(context.Background(), 1)
	if err != nil {
		t.Fatalf("SpinSequential: %v", err)
	}
	if result.BatchID != "batch-fixed" {
		t.Fatalf("unexpected batch id %q", result.BatchID)
	}
	if got := rt.specs[0].Labels[LabelBatch]; got != "batch-fixed" {
		t.Fatalf("unexpected batch label %q", got)
	}
}

func TestNewServiceRequiresYard(t *testing.T) {
	if _, err := NewService(schema.ServiceConfig{ScriptsDir: t.TempDir()}, ServiceDeps{}); !errors.Is(err, schema.ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable, got %v", err)
	}
}

func TestServicesShareMetricsWithoutReregistering(t *testing.T) {
	metrics := NewMetrics()
	cfg := schema.ServiceConfig{Image: testImage, ScriptsDir: t.TempDir()}
	var last *shipohoy.Yard
	for range 2 {
		rt := newFakeRuntime()
		rt.images[testImage] = true
		last = shipohoy.Commission(shipohoy.YardPlan{NamePrefix: "hello-container-"}, rt)
		if _, err := NewService(cfg, ServiceDeps{Yard: last, Metrics: metrics}); err != nil {
			t.Fatalf("new service: %v", err)
		}
	}
	if _, err := last.ShipOut(context.Background(), shipohoy.ContainerSpec{Name: "1", Image: testImage}); err != nil {
		t.Fatalf("ship out: %v", err)
	}

	expected := `
# HELP dockerrunner_containers_live Containers created and not yet removed
# TYPE dockerrunner_containers_live gauge
dockerrunner_containers_live 1
`
	if err := testutil.GatherAndCompare(metrics.registry, strings.NewReader(expected), "dockerrunner_containers_live"); err != nil {
		t.Fatalf("live gauge: %v", err)
	}
}
