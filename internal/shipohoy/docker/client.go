package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// apiVersion pins the Engine API dialect. Podman's compat socket accepts it too.
const apiVersion = "v1.41"

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("docker API error: %s", e.Message)
}

func isStatus(err error, code int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type client struct {
	address string
	baseURL *url.URL
	http    *http.Client
}

func newClient(address string) (*client, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("docker address is required")
	}
	baseURL, transport, err := dialTarget(addr)
	if err != nil {
		return nil, err
	}
	return &client{
		address: addr,
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
	}, nil
}

// dialTarget maps unix://, tcp:// and http(s):// addresses onto a base URL
// and transport.
func dialTarget(addr string) (*url.URL, *http.Transport, error) {
	if socket, ok := strings.CutPrefix(addr, "unix://"); ok {
		if socket == "" {
			return nil, nil, errors.New("docker unix socket path is required")
		}
		dialer := &net.Dialer{}
		transport := &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
		}
		return &url.URL{Scheme: "http", Host: "docker"}, transport, nil
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = "http://" + rest
	} else if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	baseURL, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return baseURL, transport, nil
}

func (c *client) ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/_ping", nil, nil, nil)
}

// call sends an optional JSON body and decodes a JSON answer into out when
// out is non-nil. Non-2xx answers come back as *apiError.
func (c *client) call(ctx context.Context, method, endpoint string, query url.Values, in, out any) error {
	res, err := c.stream(ctx, method, endpoint, query, in)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

// stream is call without decoding. The caller owns the response body.
func (c *client) stream(ctx context.Context, method, endpoint string, query url.Values, in any) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("docker client not initialized")
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", c.baseURL.Path, apiVersion, strings.TrimPrefix(endpoint, "/"))
	reqURL.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, readAPIError(res)
	}
	return res, nil
}

func readAPIError(res *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var payload apiErrorResponse
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Message) != "" {
		msg = strings.TrimSpace(payload.Message)
	}
	if msg == "" {
		msg = res.Status
	}
	return &apiError{StatusCode: res.StatusCode, Message: msg}
}

// candidateAddresses lists the configured address first, then DOCKER_HOST,
// the system socket and the rootless docker and podman sockets.
func candidateAddresses(primary string) []string {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = path.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	candidates := []string{
		primary,
		os.Getenv("DOCKER_HOST"),
		"unix:///var/run/docker.sock",
		"unix://" + path.Join(runtimeDir, "docker.sock"),
		"unix://" + path.Join(runtimeDir, "podman", "podman.sock"),
		"unix:///run/podman/podman.sock",
	}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, addr := range candidates {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
