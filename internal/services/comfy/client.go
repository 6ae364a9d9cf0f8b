package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"renderq/internal/config"
	"renderq/internal/services"
)

// HistoryStatus is the terminal state ComfyUI reports for one execution.
type HistoryStatus struct {
	Completed bool
	StatusStr string
}

// Client describes the ComfyUI operations the worker depends on.
type Client interface {
	// Healthy reports whether the backend answers its health endpoint.
	Healthy(ctx context.Context) bool
	// Submit enqueues a graph and returns the backend execution id.
	Submit(ctx context.Context, graphJSON string) (string, error)
	// History returns the status entry for an execution, or nil when the
	// backend has no record of it yet.
	History(ctx context.Context, execID string) (*HistoryStatus, error)
	// Outputs lists relative output paths recorded for a finished execution.
	Outputs(ctx context.Context, execID string) ([]string, error)
	// QueuedIDs returns the execution ids currently running or pending on
	// the backend.
	QueuedIDs(ctx context.Context) (map[string]struct{}, error)
	// Wait polls until the execution completes, fails, or the deadline
	// passes. The returned status string is the backend's status_str; a
	// deadline loss yields an error tagged services.ErrTimeout.
	Wait(ctx context.Context, execID string) (bool, string, error)
}

// HTTPDoer describes the HTTP client used by the ComfyUI service.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpClient struct {
	baseURL         string
	healthcheckPath string
	pollInterval    time.Duration
	pollTimeout     time.Duration
	client          HTTPDoer
}

// NewClient builds an HTTP client from configuration. The request timeout
// bounds individual calls; Wait's overall deadline comes from poll_timeout.
func NewClient(cfg *config.Config) Client {
	return &httpClient{
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.Comfy.BaseURL), "/"),
		healthcheckPath: cfg.Comfy.HealthcheckPath,
		pollInterval:    time.Duration(cfg.Comfy.PollInterval) * time.Second,
		pollTimeout:     time.Duration(cfg.Comfy.PollTimeout) * time.Second,
		client:          &http.Client{Timeout: time.Duration(cfg.Comfy.RequestTimeout) * time.Second},
	}
}

// NewHTTPClient constructs a client with an explicit HTTP doer for tests.
func NewHTTPClient(baseURL string, pollInterval, pollTimeout time.Duration, doer HTTPDoer) Client {
	return &httpClient{
		baseURL:         strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		healthcheckPath: "/system_stats",
		pollInterval:    pollInterval,
		pollTimeout:     pollTimeout,
		client:          doer,
	}
}

func (c *httpClient) Healthy(ctx context.Context) bool {
	path := c.healthcheckPath
	if path == "" {
		path = "/system_stats"
	}
	var ignored json.RawMessage
	return c.requestJSON(ctx, http.MethodGet, path, nil, &ignored) == nil
}

func (c *httpClient) Submit(ctx context.Context, graphJSON string) (string, error) {
	payload := map[string]json.RawMessage{"prompt": json.RawMessage(graphJSON)}
	var response struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.requestJSON(ctx, http.MethodPost, "/prompt", payload, &response); err != nil {
		return "", err
	}
	if response.PromptID == "" {
		return "", services.Wrap(services.ErrTransient, "comfy", "submit", "response missing prompt_id", nil)
	}
	return response.PromptID, nil
}

// historyEntry mirrors the per-execution shape of GET /history/{id}.
type historyEntry struct {
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
}

func (c *httpClient) historyFor(ctx context.Context, execID string) (*historyEntry, error) {
	var history map[string]*historyEntry
	path := "/history/" + url.PathEscape(execID)
	if err := c.requestJSON(ctx, http.MethodGet, path, nil, &history); err != nil {
		return nil, err
	}
	return history[execID], nil
}

func (c *httpClient) History(ctx context.Context, execID string) (*HistoryStatus, error) {
	entry, err := c.historyFor(ctx, execID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	status := entry.Status.StatusStr
	if status == "" {
		status = "unknown"
	}
	return &HistoryStatus{Completed: entry.Status.Completed, StatusStr: status}, nil
}

func (c *httpClient) Outputs(ctx context.Context, execID string) ([]string, error) {
	entry, err := c.historyFor(ctx, execID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	var paths []string
	for _, nodeOutputs := range entry.Outputs {
		for _, mediaKey := range []string{"images", "videos", "gifs"} {
			raw, ok := nodeOutputs[mediaKey]
			if !ok {
				continue
			}
			var items []struct {
				Filename  string `json:"filename"`
				Subfolder string `json:"subfolder"`
			}
			if err := json.Unmarshal(raw, &items); err != nil {
				continue
			}
			for _, item := range items {
				if item.Filename == "" {
					continue
				}
				if sub := strings.Trim(item.Subfolder, "/"); sub != "" {
					paths = append(paths, sub+"/"+item.Filename)
				} else {
					paths = append(paths, item.Filename)
				}
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (c *httpClient) QueuedIDs(ctx context.Context) (map[string]struct{}, error) {
	var response struct {
		QueueRunning [][]json.RawMessage `json:"queue_running"`
		QueuePending [][]json.RawMessage `json:"queue_pending"`
	}
	if err := c.requestJSON(ctx, http.MethodGet, "/queue", nil, &response); err != nil {
		return nil, err
	}

	ids := make(map[string]struct{})
	for _, rows := range [][][]json.RawMessage{response.QueueRunning, response.QueuePending} {
		for _, row := range rows {
			// Queue rows are [number, prompt_id, ...] tuples.
			if len(row) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(row[1], &id); err != nil || id == "" {
				continue
			}
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

var terminalFailures = map[string]struct{}{
	"error":    {},
	"failed":   {},
	"canceled": {},
}

func (c *httpClient) Wait(ctx context.Context, execID string) (bool, string, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.History(ctx, execID)
		if err != nil {
			return false, "", err
		}
		if status != nil {
			if status.Completed {
				return true, status.StatusStr, nil
			}
			if _, terminal := terminalFailures[status.StatusStr]; terminal {
				return false, status.StatusStr, nil
			}
		}
		if time.Now().After(deadline) {
			return false, "timeout", services.Wrap(services.ErrTimeout, "comfy", "wait",
				fmt.Sprintf("execution %s still unresolved after %s", execID, c.pollTimeout), nil)
		}
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// requestJSON performs one call and decodes the response body into out.
// HTTP 400 maps to a rejected submission, 5xx to a transient server error,
// and transport failures to an unreachable backend.
func (c *httpClient) requestJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return services.Wrap(services.ErrUnreachable, "comfy", method+" "+path, "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.ErrUnreachable, "comfy", method+" "+path, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return services.Wrap(services.ErrSubmissionRejected, "comfy", method+" "+path, extractErrorDetail(data), nil)
	case resp.StatusCode >= 500:
		return services.Wrap(services.ErrTransient, "comfy", method+" "+path,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, extractErrorDetail(data)), nil)
	case resp.StatusCode >= 300:
		return services.Wrap(services.ErrTransient, "comfy", method+" "+path,
			fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	if len(data) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return services.Wrap(services.ErrTransient, "comfy", method+" "+path, "decode response", err)
	}
	return nil
}

// extractErrorDetail pulls the most useful message out of an error payload.
// ComfyUI spreads detail across several keys depending on the failure.
func extractErrorDetail(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	var parts []string
	for _, key := range []string{"error", "message", "details", "node_errors", "exception_message"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			parts = append(parts, text)
		} else {
			parts = append(parts, string(raw))
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(string(body))
	}
	return strings.Join(parts, " | ")
}
