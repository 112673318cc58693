package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the Docker runtime.
type Config struct {
	Address     string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime using the Docker Engine HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
}

// New constructs a Docker runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "docker")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("docker connect attempt", "address", addr)
		cl, err := newClient(addr)
		if err != nil {
			log.Warn("docker connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Debug("docker ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		log.Info("docker runtime ready", "address", addr)
		return &Runtime{client: cl, pullTimeout: timeout}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("docker address not configured")
	}
	log.Warn("docker runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases any resources held by the runtime.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	if t, ok := r.client.http.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		r.logger(ctx).Warn("docker image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	err := r.client.call(ctx, http.MethodGet, "/images/"+image+"/json", nil, nil, nil)
	switch {
	case err == nil:
		log.Debug("docker image present")
		return true, nil
	case isStatus(err, http.StatusNotFound):
		log.Debug("docker image missing")
		return false, nil
	default:
		log.Warn("docker image check failed", "err", err)
		return false, err
	}
}

// EnsureImage pulls the image if it is not available and blocks until the
// pull progress stream completes.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("docker ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("docker ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("docker ensure image ok", "pulled", false)
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	name, tag := splitImageRef(image)
	query := url.Values{"fromImage": {name}}
	if tag != "" {
		query.Set("tag", tag)
	}
	res, err := r.client.stream(pullCtx, http.MethodPost, "/images/create", query, nil)
	if err != nil {
		log.Warn("docker image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	messages, err := followPullProgress(res.Body)
	if err != nil {
		log.Warn("docker image pull failed", "err", err, "messages", messages)
		return err
	}
	log.Info("docker ensure image ok", "pulled", true, "messages", messages)
	return nil
}

// Create creates a container without starting it.
func (r *Runtime) Create(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		r.logger(ctx).Warn("docker create rejected", "reason", "missing name")
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		r.logger(ctx).Warn("docker create rejected", "reason", "missing image")
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Debug("docker create start")
	var created createResponse
	err := r.client.call(ctx, http.MethodPost, "/containers/create", url.Values{"name": {spec.Name}}, newContainerConfig(spec), &created)
	if err != nil {
		log.Warn("docker create failed", "err", err)
		return nil, err
	}
	if created.ID == "" {
		log.Warn("docker create failed", "reason", "missing container id")
		return nil, errors.New("docker create did not return container id")
	}
	for _, warning := range created.Warnings {
		log.Warn("docker create warning", "warning", warning)
	}
	log.Info("docker container created", "id", created.ID)
	return &handle{name: spec.Name, id: created.ID}, nil
}

// Start starts a created container.
func (r *Runtime) Start(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	err := r.client.call(ctx, http.MethodPost, "/containers/"+h.ID()+"/start", nil, nil, nil)
	switch {
	case err == nil:
		log.Info("docker container started")
		return nil
	case isStatus(err, http.StatusNotModified):
		log.Debug("docker start skipped", "reason", "already started")
		return nil
	default:
		log.Warn("docker start failed", "err", err)
		return err
	}
}

// Wait blocks until the container is no longer running.
func (r *Runtime) Wait(ctx context.Context, h shipohoy.Handle) (int, error) {
	if h == nil {
		return -1, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	var status waitResponse
	err := r.client.call(ctx, http.MethodPost, "/containers/"+h.ID()+"/wait", url.Values{"condition": {"not-running"}}, nil, &status)
	if err != nil {
		log.Warn("docker wait failed", "err", err)
		return -1, err
	}
	if status.Error != nil && strings.TrimSpace(status.Error.Message) != "" {
		err := fmt.Errorf("docker wait error: %s", strings.TrimSpace(status.Error.Message))
		log.Warn("docker wait failed", "err", err)
		return status.StatusCode, err
	}
	log.Info("docker container exited", "exit_code", status.StatusCode)
	return status.StatusCode, nil
}

// Logs returns the combined stdout and stderr of a container.
func (r *Runtime) Logs(ctx context.Context, h shipohoy.Handle) ([]byte, error) {
	if h == nil {
		return nil, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	query := url.Values{"follow": {"0"}, "stdout": {"1"}, "stderr": {"1"}}
	res, err := r.client.stream(ctx, http.MethodGet, "/containers/"+h.ID()+"/logs", query, nil)
	if err != nil {
		log.Warn("docker logs failed", "err", err)
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		log.Warn("docker logs failed", "err", err)
		return nil, err
	}
	// TTY containers and some daemons send unframed output.
	if !looksMultiplexed(data) {
		log.Debug("docker logs ok", "bytes", len(data), "framed", false)
		return data, nil
	}
	var combined bytes.Buffer
	if err := copyDockerStream(bytes.NewReader(data), &combined, &combined); err != nil {
		err = fmt.Errorf("docker logs: malformed log stream: %w", err)
		log.Warn("docker logs failed", "err", err)
		return nil, err
	}
	log.Debug("docker logs ok", "bytes", combined.Len(), "framed", true)
	return combined.Bytes(), nil
}

// Remove force-removes a container. A container that is already gone counts
// as removed.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	err := r.client.call(ctx, http.MethodDelete, "/containers/"+h.ID(), url.Values{"force": {"true"}}, nil, nil)
	switch {
	case err == nil:
		log.Info("docker container removed")
		return nil
	case isStatus(err, http.StatusNotFound):
		log.Info("docker remove skipped", "reason", "not found")
		return nil
	default:
		log.Warn("docker remove failed", "err", err)
		return err
	}
}

// Janitor removes managed containers matching the label selector.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("docker janitor start")
	labels := []string{shipohoy.LabelManaged + "=true"}
	for k, v := range spec.LabelSelector {
		if strings.TrimSpace(k) == "" {
			continue
		}
		labels = append(labels, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(labels)
	filterJSON, err := json.Marshal(map[string][]string{"label": labels})
	if err != nil {
		log.Warn("docker janitor failed", "err", err)
		return 0, err
	}
	var list []containerListItem
	query := url.Values{"all": {"1"}, "filters": {string(filterJSON)}}
	if err := r.client.call(ctx, http.MethodGet, "/containers/json", query, nil, &list); err != nil {
		log.Warn("docker janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-spec.MinAge)
	for _, item := range list {
		if spec.MinAge > 0 && time.Unix(item.Created, 0).After(cutoff) {
			continue
		}
		if err := r.Remove(ctx, &handle{name: containerName(item), id: item.ID}); err != nil {
			log.Warn("docker janitor failed", "err", err)
			return removed, err
		}
		removed++
	}
	log.Info("docker janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "docker")
}

func newContainerConfig(spec shipohoy.ContainerSpec) containerConfig {
	cfg := containerConfig{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        envMapToSlice(spec.Env),
		Labels:     mergeLabels(spec.Labels, map[string]string{shipohoy.LabelManaged: "true"}),
		WorkingDir: spec.WorkingDir,
	}
	host := hostConfig{Binds: buildBinds(spec.Mounts)}
	if spec.ResourceCaps != nil {
		host.Memory = spec.ResourceCaps.MemoryBytes
		host.NanoCPUs = spec.ResourceCaps.NanoCPUs
	}
	if len(host.Binds) > 0 || host.Memory > 0 || host.NanoCPUs > 0 {
		cfg.HostConfig = &host
	}
	return cfg
}

// followPullProgress drains a pull progress stream and fails on the first
// error message, mirroring how the CLI reports a failed pull.
func followPullProgress(r io.Reader) (int, error) {
	decoder := json.NewDecoder(r)
	count := 0
	for {
		var msg pullMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		count++
		if msg.Error != "" {
			return count, fmt.Errorf("docker pull error: %s", msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return count, fmt.Errorf("docker pull error: %s", msg.ErrorDetail.Message)
		}
	}
}

func mergeLabels(a, b map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func buildBinds(mounts []shipohoy.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		entry := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			entry += ":ro"
		}
		out = append(out, entry)
	}
	return out
}

func copyDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if header[0] > 2 || header[1] != 0 || header[2] != 0 || header[3] != 0 {
			return errors.New("invalid log frame header")
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}

func looksMultiplexed(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return data[0] <= 2 && data[1] == 0 && data[2] == 0 && data[3] == 0
}

func containerName(item containerListItem) string {
	if len(item.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(item.Names[0], "/")
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if at := strings.Index(image, "@"); at != -1 {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}

// handle represents a docker container handle.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
