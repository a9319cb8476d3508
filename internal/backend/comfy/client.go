package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
)

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Client)(nil)

// Client speaks the job-queue protocol over HTTP.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
}

// New creates a client for the backend at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", cfg.BaseURL)
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{},
	}, nil
}

// Name returns the configured instance name.
func (c *Client) Name() string { return c.cfg.Name }

// Submit enqueues a graph. A refusal is returned as *backend.RejectedError.
func (c *Client) Submit(ctx context.Context, g graph.Raw, clientID string) (backend.SubmitResult, error) {
	resp, err := c.send(ctx, opSubmit, http.MethodPost, pathPrompt, nil,
		backend.SubmitRequest{Prompt: g, ClientID: clientID})
	if err != nil {
		return backend.SubmitResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backend.SubmitResult{}, rejection(resp)
	}

	var res backend.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return backend.SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
	}
	if res.JobID == "" {
		return backend.SubmitResult{}, &backend.RejectedError{
			Code:       resp.StatusCode,
			Message:    "backend accepted the request but issued no job id",
			NodeErrors: res.NodeErrors,
		}
	}
	return res, nil
}

// rejection turns a non-200 submit response into a typed error, keeping node
// validation detail when the body carries it.
func rejection(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var rb backend.RejectBody
	if err := json.Unmarshal(body, &rb); err == nil && (rb.Error.Message != "" || len(rb.NodeErrors) > 0) {
		msg := rb.Error.Message
		if rb.Error.Details != "" {
			msg += ": " + rb.Error.Details
		}
		return &backend.RejectedError{Code: resp.StatusCode, Message: msg, NodeErrors: rb.NodeErrors}
	}
	return &backend.StatusError{Op: opSubmit, Code: resp.StatusCode, Body: string(body)}
}

// History returns the job's terminal record, or nil if the backend has none.
func (c *Client) History(ctx context.Context, jobID string) (*backend.HistoryEntry, error) {
	var entries map[string]backend.HistoryEntry
	if err := c.getJSON(ctx, opHistory, pathHistory+url.PathEscape(jobID), nil, &entries); err != nil {
		return nil, err
	}
	entry, ok := entries[jobID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

type queueBody struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

// Queue lists running and pending job ids.
func (c *Client) Queue(ctx context.Context) (backend.QueueSnapshot, error) {
	var body queueBody
	if err := c.getJSON(ctx, opQueue, pathQueue, nil, &body); err != nil {
		return backend.QueueSnapshot{}, err
	}
	return backend.QueueSnapshot{
		Running: queueIDs(body.Running),
		Pending: queueIDs(body.Pending),
	}, nil
}

// queueIDs extracts the job id, the second element of each queue item.
func queueIDs(items [][]json.RawMessage) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(item[1], &id); err == nil && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ObjectInfo lists available operation types, sorted.
func (c *Client) ObjectInfo(ctx context.Context) ([]string, error) {
	var info map[string]json.RawMessage
	if err := c.getJSON(ctx, opObjectInfo, pathObjectInfo, nil, &info); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// View fetches an artifact's bytes.
func (c *Client) View(ctx context.Context, ref backend.ArtifactRef) (backend.Artifact, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	resp, err := c.send(ctx, opView, http.MethodGet, pathView, q, nil)
	if err != nil {
		return backend.Artifact{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(opView, resp); err != nil {
		return backend.Artifact{}, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxArtifactSize+1))
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	if len(data) > MaxArtifactSize {
		return backend.Artifact{}, fmt.Errorf("artifact %s exceeds %d bytes", ref.Filename, MaxArtifactSize)
	}
	return backend.Artifact{
		Ref:       ref,
		Data:      data,
		MediaType: resp.Header.Get("Content-Type"),
	}, nil
}

// Cancel deletes jobID from the pending queue, or interrupts it if it is the
// job currently executing. A job in neither place is left alone.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	q, err := c.Queue(ctx)
	if err != nil {
		return fmt.Errorf("inspect queue: %w", err)
	}
	running, pending := q.Contains(jobID)
	switch {
	case pending:
		return c.postNoContent(ctx, pathQueue, map[string]any{"delete": []string{jobID}})
	case running:
		return c.postNoContent(ctx, pathInterrupt, map[string]any{"prompt_id": jobID})
	}
	return nil
}

func (c *Client) postNoContent(ctx context.Context, path string, body any) error {
	resp, err := c.send(ctx, opCancel, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return checkStatus(opCancel, resp)
}

func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	resp, err := c.send(ctx, op, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// send issues one request bounded by the configured per-call timeout. The
// returned response body stays readable until the caller closes it.
func (c *Client) send(ctx context.Context, op, method, path string, q url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		cancel()
		requestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	requestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the per-call context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &backend.StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
