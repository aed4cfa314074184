package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/syncd/internal/status"
	"github.com/ChuLiYu/syncd/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	// ErrBusy is returned by Client.RunNow when the daemon is already running a cycle
	ErrBusy = errors.New("server: a cycle is already in progress")

	// ErrUnavailable is returned when the daemon refuses work (stopping, or run-now disabled)
	ErrUnavailable = errors.New("server: daemon unavailable")
)

// Client talks to a running daemon's HTTP API
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr ("host:port" or a full URL)
func NewClient(addr string, timeout time.Duration) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Status fetches GET /status
func (c *Client) Status(ctx context.Context) (status.Report, error) {
	var rep status.Report
	err := c.do(ctx, http.MethodGet, "/status", &rep)
	return rep, err
}

// RunNow calls POST /run-now and waits for the cycle to finish
func (c *Client) RunNow(ctx context.Context) (types.RunSummary, error) {
	var sum types.RunSummary
	err := c.do(ctx, http.MethodPost, "/run-now", &sum)
	return sum, err
}

// Healthz calls GET /healthz
func (c *Client) Healthz(ctx context.Context) error {
	var body map[string]string
	return c.do(ctx, http.MethodGet, "/healthz", &body)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		switch resp.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrBusy, body.Error)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrUnavailable, body.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, body.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// CheckHealth queries the gRPC health service at target
func CheckHealth(ctx context.Context, target string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
