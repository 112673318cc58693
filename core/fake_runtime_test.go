package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"pkt.systems/dockerrunner/internal/shipohoy"
)

// fakeRuntime records every call and emulates a daemon with an image cache.
type fakeRuntime struct {
	mu sync.Mutex

	images  map[string]bool
	pulls   int
	pullErr error

	createErr map[int]error
	startErr  map[int]error
	waitErr   map[int]error
	logsErr   map[int]error
	removeErr error
	exitCode  map[int]int
	output    func(ordinal int) []byte

	// waitGate, when set, holds every Wait until it is closed.
	waitGate chan struct{}

	calls       []string
	specs       []shipohoy.ContainerSpec
	live        map[string]int
	next        int
	waiting     int
	inflight    int
	maxInflight int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:    map[string]bool{},
		createErr: map[int]error{},
		startErr:  map[int]error{},
		waitErr:   map[int]error{},
		logsErr:   map[int]error{},
		exitCode:  map[int]int{},
		live:      map[string]int{},
		output: func(ordinal int) []byte {
			return []byte(fmt.Sprintf("Hello from container %d\n", ordinal))
		},
	}
}

type fakeHandle struct {
	name    string
	id      string
	ordinal int
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) ID() string   { return h.id }

func (f *fakeRuntime) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure:" + image)
	if f.images[image] {
		return nil
	}
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulls++
	f.images[image] = true
	return nil
}

func (f *fakeRuntime) Create(_ context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	ordinal, _ := strconv.Atoi(spec.Env["CONTAINER_NUMBER"])
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("create:%d", ordinal))
	if err := f.createErr[ordinal]; err != nil {
		return nil, err
	}
	if !f.images[spec.Image] {
		return nil, fmt.Errorf("no such image: %s", spec.Image)
	}
	f.next++
	h := &fakeHandle{name: spec.Name, id: fmt.Sprintf("c%d", f.next), ordinal: ordinal}
	f.specs = append(f.specs, spec)
	f.live[h.id] = ordinal
	return h, nil
}

func (f *fakeRuntime) Start(_ context.Context, h shipohoy.Handle) error {
	ordinal := h.(*fakeHandle).ordinal
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("start:%d", ordinal))
	if err := f.startErr[ordinal]; err != nil {
		return err
	}
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, h shipohoy.Handle) (int, error) {
	ordinal := h.(*fakeHandle).ordinal
	f.mu.Lock()
	f.record(fmt.Sprintf("wait:%d", ordinal))
	gate := f.waitGate
	f.waiting++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting--
	if err := f.waitErr[ordinal]; err != nil {
		return 0, err
	}
	return f.exitCode[ordinal], nil
}

func (f *fakeRuntime) Logs(_ context.Context, h shipohoy.Handle) ([]byte, error) {
	ordinal := h.(*fakeHandle).ordinal
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("logs:%d", ordinal))
	if err := f.logsErr[ordinal]; err != nil {
		return nil, err
	}
	return f.output(ordinal), nil
}

func (f *fakeRuntime) Remove(ctx context.Context, h shipohoy.Handle) error {
	fh := h.(*fakeHandle)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("remove:%d", fh.ordinal))
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.live[fh.id]; !ok {
		return errors.New("no such container")
	}
	delete(f.live, fh.id)
	if f.startErr[fh.ordinal] == nil {
		f.inflight--
	}
	return nil
}

func (f *fakeRuntime) Janitor(context.Context, shipohoy.JanitorSpec) (int, error) {
	return 0, nil
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRuntime) waitingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeRuntime) has(call string) bool {
	for _, c := range f.callLog() {
		if c == call {
			return true
		}
	}
	return false
}
