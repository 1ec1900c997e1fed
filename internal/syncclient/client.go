// Package syncclient moves pending queue items to the aggregation server and
// pulls task assignments back over an unreliable link. One FullSync call is
// one pass of the protocol state machine (connectivity gate, registration,
// upload, task download, acknowledgement, cleanup); it returns a report
// instead of an error so a bad link can never wedge the device loop.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/fieldkit/internal/queue"
)

// ErrUnreachable is the gate failure. Its message is part of the device's
// observable contract: cycle reports carry it verbatim.
var ErrUnreachable = errors.New("Server unreachable")

// errRejected marks responses the server parsed and refused: 4xx, or 2xx
// carrying success=false. Retrying cannot change those, so doWithRetry stops
// on them. Transport errors, 5xx and unparseable bodies stay retryable.
var errRejected = errors.New("rejected by server")

const (
	defaultTimeout   = 10 * time.Second
	defaultAttempts  = 3
	defaultBaseDelay = 500 * time.Millisecond
	defaultChunkSize = 32 * 1024
	defaultRetention = 7 * 24 * time.Hour

	maxResponseBytes = 1 << 20
)

// Config holds the device identity sent at registration and the transfer
// tuning. Zero values fall back to the defaults above.
type Config struct {
	ServerURL    string
	DeviceName   string
	DeviceType   string
	WorkerID     string
	WorkerName   string
	Firmware     string
	Capabilities []string

	RequestTimeout time.Duration // per HTTP attempt
	RetryAttempts  int           // per request, not per cycle
	RetryBaseDelay time.Duration // linear backoff unit
	ChunkSize      int           // chunked upload slice size in bytes
	Retention      time.Duration // cleanup window for synced items

	Logger *slog.Logger
}

// Client talks to the aggregation server. It keeps no cross-cycle state and
// is driven by a single goroutine, the device loop.
type Client struct {
	cfg  Config
	base string
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultBaseDelay
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.ServerURL, "/"),
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// CheckConnection probes GET /health. Zero side effects; it is the
// pre-flight gate for every cycle and the reconnect probe for the loop.
func (c *Client) CheckConnection(ctx context.Context) bool {
	return c.checkHealth(ctx) == nil
}

func (c *Client) checkHealth(ctx context.Context) error {
	return c.doWithRetry(ctx, "/health", func() error {
		var health healthResponse
		if err := c.getJSON(ctx, "/health", &health); err != nil {
			return err
		}
		if health.Status != "ok" {
			return fmt.Errorf("%w: health status %q", errRejected, health.Status)
		}
		return nil
	})
}

// RegisterDevice upserts the device identity on the server. Idempotent
// server-side, so it runs every cycle without bookkeeping.
func (c *Client) RegisterDevice(ctx context.Context) error {
	body := registerRequest{
		DeviceName:      c.cfg.DeviceName,
		DeviceType:      c.cfg.DeviceType,
		WorkerID:        c.cfg.WorkerID,
		WorkerName:      c.cfg.WorkerName,
		FirmwareVersion: c.cfg.Firmware,
		Capabilities:    c.cfg.Capabilities,
		Timestamp:       time.Now().UTC(),
	}
	return c.doWithRetry(ctx, "/register", func() error {
		var resp statusResponse
		if err := c.postJSON(ctx, "/register", body, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "registration refused"))
		}
		return nil
	})
}

// FetchTasks pulls the worker's current assignments. The caller upserts them
// into the queue.
func (c *Client) FetchTasks(ctx context.Context) ([]queue.Task, error) {
	params := url.Values{}
	params.Set("worker_id", c.cfg.WorkerID)
	params.Set("device", c.cfg.DeviceName)
	path := "/tasks?" + params.Encode()

	var fetched []wireTask
	err := c.doWithRetry(ctx, "/tasks", func() error {
		var resp tasksResponse
		if err := c.getJSON(ctx, path, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "task fetch refused"))
		}
		fetched = resp.Tasks
		return nil
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]queue.Task, 0, len(fetched))
	for _, w := range fetched {
		tasks = append(tasks, w.toTask())
	}
	return tasks, nil
}

// AcknowledgeTasks confirms receipt of task ids so the server stops
// re-sending them. Best-effort: a failure is recorded by the caller but
// never reverts stored tasks.
func (c *Client) AcknowledgeTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := ackRequest{TaskIDs: ids, Timestamp: time.Now().UTC()}
	return c.doWithRetry(ctx, "/tasks/ack", func() error {
		var resp statusResponse
		if err := c.postJSON(ctx, "/tasks/ack", body, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "acknowledgement refused"))
		}
		return nil
	})
}

// doWithRetry runs one request up to RetryAttempts times, sleeping
// attempt_index * RetryBaseDelay between tries (linear, not exponential: the
// link either comes back quickly or the cycle should give up). Rejections
// stop the loop immediately.
func (c *Client) doWithRetry(ctx context.Context, endpoint string, send func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * c.cfg.RetryBaseDelay):
			}
		}
		err = send()
		if err == nil {
			return nil
		}
		if errors.Is(err, errRejected) || ctx.Err() != nil {
			return err
		}
		if attempt < c.cfg.RetryAttempts {
			c.cfg.Logger.Warn("request failed, retrying",
				"endpoint", endpoint, "attempt", attempt, "error", err)
		}
	}
	c.cfg.Logger.Warn("request failed after all attempts",
		"endpoint", endpoint, "attempts", c.cfg.RetryAttempts, "error", err)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s returned %d: %s",
			errRejected, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", req.URL.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s response: %w", req.URL.Path, err)
	}
	return nil
}
