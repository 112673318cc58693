package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	Snapshotter string
	PullTimeout time.Duration

	// LogBufferBytes caps captured output per container. Zero means 128KiB.
	LogBufferBytes int
}

// Runtime implements shipohoy.Runtime using containerd. Output is captured
// in memory from task creation until the container is removed.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	snapshotter string
	pullTimeout time.Duration
	logBuffer   int

	mu    sync.Mutex
	tasks map[string]*taskState
}

type taskState struct {
	task   containerd.Task
	output *ringBuffer
}

// New constructs a containerd runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	addresses := candidateAddresses(cfg.Address, "containerd")
	var lastErr error
	for _, addr := range addresses {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err == nil {
			namespace := cfg.Namespace
			if namespace == "" {
				namespace = "dockerrunner"
			}
			timeout := cfg.PullTimeout
			if timeout == 0 {
				timeout = 5 * time.Minute
			}
			logBuffer := cfg.LogBufferBytes
			if logBuffer <= 0 {
				logBuffer = defaultLogBufferBytes
			}
			log.Info("containerd runtime ready", "address", addr, "namespace", namespace)
			return &Runtime{
				client:      client,
				namespace:   namespace,
				snapshotter: strings.TrimSpace(cfg.Snapshotter),
				pullTimeout: timeout,
				logBuffer:   logBuffer,
				tasks:       make(map[string]*taskState),
			}, nil
		}
		log.Warn("containerd connect failed", "address", addr, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.logger(context.Background()).Info("containerd runtime closed")
	return err
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("containerd ensure image start")
	if _, err := r.ensureImage(ctx, image, r.snapshotter); err != nil {
		log.Warn("containerd ensure image failed", "err", err)
		return err
	}
	log.Info("containerd ensure image ok")
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context, image, snapshotter string) (containerd.Image, error) {
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	rootless := os.Geteuid() != 0
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		if snapshotter != "" && !rootless {
			if err := img.Unpack(ctx, snapshotter); err != nil && !errdefs.IsAlreadyExists(err) {
				log.Warn("containerd image unpack failed", "err", err)
				return nil, err
			}
		}
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start", "rootless", rootless)
	if pulled, err := r.pullWithTransfer(pullCtx, image, snapshotter, !rootless); err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	} else if rootless {
		log.Warn("containerd transfer pull failed", "err", err)
		return nil, fmt.Errorf("transfer pull failed: %w", err)
	}
	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if snapshotter != "" {
		opts = append(opts, containerd.WithPullSnapshotter(snapshotter))
	}
	img, err = r.client.Pull(pullCtx, image, opts...)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, image, snapshotter string, unpack bool) (containerd.Image, error) {
	var storeOpts []transferimage.StoreOpt
	if unpack {
		storeOpts = append(storeOpts, transferimage.WithUnpack(platforms.DefaultSpec(), snapshotter))
	}
	store := transferimage.NewStore(image, storeOpts...)
	reg, err := registry.NewOCIRegistry(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, store); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, image)
}

// Create creates the container and its snapshot. No task exists until Start.
func (r *Runtime) Create(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Debug("containerd create start")
	snapshotter := spec.Snapshotter
	if snapshotter == "" {
		snapshotter = r.snapshotter
	}
	image, err := r.ensureImage(ctx, spec.Image, snapshotter)
	if err != nil {
		log.Warn("containerd create failed", "err", err)
		return nil, err
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	labels := mergeLabels(spec.Labels, map[string]string{shipohoy.LabelManaged: "true"})
	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, specOptions(spec)...)
	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
	}
	if snapshotter != "" {
		containerOpts = append(containerOpts, containerd.WithSnapshotter(snapshotter))
	}
	containerOpts = append(containerOpts,
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	container, err := r.client.NewContainer(ctx, spec.Name, containerOpts...)
	if err != nil {
		log.Warn("containerd create failed", "err", err)
		return nil, err
	}
	r.mu.Lock()
	r.tasks[spec.Name] = &taskState{output: newRingBuffer(r.logBuffer)}
	r.mu.Unlock()
	log.Debug("containerd create ok", "id", container.ID())
	return &handle{name: spec.Name, id: container.ID()}, nil
}

// Start creates the container task with stdout and stderr wired into one
// capture buffer, then starts it.
func (r *Runtime) Start(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Debug("containerd start start")
	state := r.state(h.Name())
	if state == nil {
		return fmt.Errorf("container %s was not created by this runtime", h.Name())
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		log.Warn("containerd start failed", "err", err)
		return err
	}
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, state.output, state.output)))
	if err != nil {
		log.Warn("containerd task create failed", "err", err)
		return err
	}
	if err := task.Start(ctx); err != nil {
		log.Warn("containerd task start failed", "err", err)
		_, _ = task.Delete(ctx)
		return err
	}
	r.mu.Lock()
	state.task = task
	r.mu.Unlock()
	log.Debug("containerd start ok", "pid", task.Pid())
	return nil
}

// Wait blocks until the task exits and its output has been drained.
func (r *Runtime) Wait(ctx context.Context, h shipohoy.Handle) (int, error) {
	if h == nil {
		return 0, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	state := r.state(h.Name())
	if state == nil || state.task == nil {
		return 0, fmt.Errorf("container %s has no running task", h.Name())
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	statusCh, err := state.task.Wait(ctx)
	if err != nil {
		log.Warn("containerd wait failed", "err", err)
		return 0, err
	}
	select {
	case status := <-statusCh:
		code, _, err := status.Result()
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return 0, err
		}
		if io := state.task.IO(); io != nil {
			io.Wait()
		}
		log.Debug("containerd wait ok", "exit_code", int(code))
		return int(code), nil
	case <-ctx.Done():
		log.Warn("containerd wait failed", "err", ctx.Err())
		return 0, ctx.Err()
	}
}

// Logs returns the captured combined output.
func (r *Runtime) Logs(_ context.Context, h shipohoy.Handle) ([]byte, error) {
	if h == nil {
		return nil, errors.New("container handle is required")
	}
	state := r.state(h.Name())
	if state == nil {
		return nil, errors.New("log capture unavailable")
	}
	return state.output.Snapshot(), nil
}

// Remove kills any task, then deletes the container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Debug("containerd remove start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		if errdefs.IsNotFound(err) {
			r.clearState(h.Name())
			log.Debug("containerd remove skipped", "reason", "not found")
			return nil
		}
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn("containerd task delete failed", "err", err)
			return err
		}
	} else if !errdefs.IsNotFound(err) {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	r.clearState(h.Name())
	log.Debug("containerd remove ok")
	return nil
}

// Janitor removes managed containers matching the selector.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("containerd janitor start")
	nsCtx := namespaces.WithNamespace(ctx, r.namespace)
	list, err := r.client.Containers(nsCtx)
	if err != nil {
		log.Warn("containerd janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	now := time.Now()
	for _, container := range list {
		info, err := container.Info(nsCtx)
		if err != nil {
			continue
		}
		if info.Labels[shipohoy.LabelManaged] != "true" || !matchesLabels(info.Labels, spec.LabelSelector) {
			continue
		}
		if spec.MinAge > 0 && now.Sub(info.CreatedAt) < spec.MinAge {
			continue
		}
		if err := r.Remove(ctx, &handle{name: info.ID, id: info.ID}); err != nil {
			log.Warn("containerd janitor remove failed", "container", info.ID, "err", err)
			continue
		}
		removed++
	}
	log.Info("containerd janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) state(name string) *taskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[name]
}

func (r *Runtime) clearState(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, name)
}

func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{oci.WithEnv(flattenEnv(spec.Env))}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(mapMounts(spec.Mounts)))
	}
	if spec.ResourceCaps != nil {
		opts = append(opts, withResources(*spec.ResourceCaps))
	}
	return opts
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func mergeLabels(base map[string]string, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func matchesLabels(labels map[string]string, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func mapMounts(mounts []shipohoy.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, mount := range mounts {
		if strings.TrimSpace(mount.Source) == "" || strings.TrimSpace(mount.Target) == "" {
			continue
		}
		opts := []string{"rbind", "rw"}
		if mount.ReadOnly {
			opts[1] = "ro"
		}
		out = append(out, specs.Mount{
			Type:        "bind",
			Source:      mount.Source,
			Destination: mount.Target,
			Options:     opts,
		})
	}
	return out
}

func withResources(caps shipohoy.ResourceCaps) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, spec *specs.Spec) error {
		if caps.MemoryBytes <= 0 && caps.NanoCPUs <= 0 {
			return nil
		}
		if spec.Linux == nil {
			spec.Linux = &specs.Linux{}
		}
		if spec.Linux.Resources == nil {
			spec.Linux.Resources = &specs.LinuxResources{}
		}
		if caps.MemoryBytes > 0 {
			limit := caps.MemoryBytes
			spec.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &limit}
		}
		if caps.NanoCPUs > 0 {
			period := uint64(100000)
			quota := caps.NanoCPUs * int64(period) / 1_000_000_000
			spec.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		return nil
	}
}

func candidateAddresses(primary string, name string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(filepath.Join(runtimeDir, name, name+".sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, name, name+".sock"))
	}
	add(filepath.Join("/run", name, name+".sock"))
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "unix://")
	addr = strings.TrimPrefix(addr, "unix:")
	return addr
}

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }

const defaultLogBufferBytes = 128 * 1024

// ringBuffer keeps the most recent bytes written to it.
type ringBuffer struct {
	mu     sync.Mutex
	buf    []byte
	size   int
	start  int
	length int
}

func newRingBuffer(size int) *ringBuffer {
	if size < 0 {
		size = 0
	}
	return &ringBuffer{size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	if r.size == 0 {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		r.buf = make([]byte, r.size)
	}
	if len(p) >= r.size {
		copy(r.buf, p[len(p)-r.size:])
		r.start = 0
		r.length = r.size
		return len(p), nil
	}
	for _, b := range p {
		if r.length < r.size {
			r.buf[(r.start+r.length)%r.size] = b
			r.length++
		} else {
			r.buf[r.start] = b
			r.start = (r.start + 1) % r.size
		}
	}
	return len(p), nil
}

func (r *ringBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.length == 0 {
		return nil
	}
	out := make([]byte, r.length)
	if r.start+r.length <= r.size {
		copy(out, r.buf[r.start:r.start+r.length])
		return out
	}
	n := r.size - r.start
	copy(out, r.buf[r.start:])
	copy(out[n:], r.buf[:r.length-n])
	return out
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}
