package sqlmapapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/0x6d61/sqlmapbatch/internal/transport"
)

// DefaultCallTimeout bounds every API call.
const DefaultCallTimeout = 30 * time.Second

// Client talks to one sqlmapapi server.
type Client struct {
	baseURL string
	http    transport.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a client for the server at baseURL (e.g.
// "http://127.0.0.1:8775").
func New(baseURL string, tc transport.Client, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    tc,
		timeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping issues a GET against path and succeeds on HTTP 200.
func (c *Client) Ping(ctx context.Context, path string) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}

// NewTask creates a task and returns its id.
func (c *Client) NewTask(ctx context.Context) (string, error) {
	env, err := c.call(ctx, "task new", http.MethodGet, "/task/new", nil, "")
	if err != nil {
		return "", err
	}
	if env.TaskID == "" {
		return "", &APIError{Op: "task new", StatusCode: http.StatusOK, Message: "empty task id"}
	}
	return env.TaskID, nil
}

// DeleteTask removes a task and any scan still attached to it.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	_, err := c.call(ctx, "task delete", http.MethodGet, "/task/"+url.PathEscape(taskID)+"/delete", nil, "")
	return err
}

// StartScan posts opts as JSON and starts the scan.
func (c *Client) StartScan(ctx context.Context, taskID string, opts Options) error {
	body, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("sqlmapapi: marshal options: %w", err)
	}
	_, err = c.call(ctx, "scan start", http.MethodPost, "/scan/"+url.PathEscape(taskID)+"/start", body, "application/json")
	return err
}

// StartScanMultipart posts opts as form fields together with the raw
// request as a "request" file part.
func (c *Client) StartScanMultipart(ctx context.Context, taskID string, opts Options, raw []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := opts.formFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return fmt.Errorf("sqlmapapi: write field %q: %w", k, err)
		}
	}

	part, err := mw.CreateFormFile("request", "req.txt")
	if err != nil {
		return fmt.Errorf("sqlmapapi: create request part: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return fmt.Errorf("sqlmapapi: write request part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("sqlmapapi: close multipart body: %w", err)
	}

	_, err = c.call(ctx, "scan start", http.MethodPost, "/scan/"+url.PathEscape(taskID)+"/start", buf.Bytes(), mw.FormDataContentType())
	return err
}

// StopScan asks the engine to stop a running scan.
func (c *Client) StopScan(ctx context.Context, taskID string) error {
	_, err := c.call(ctx, "scan stop", http.MethodGet, "/scan/"+url.PathEscape(taskID)+"/stop", nil, "")
	return err
}

// Status returns the scan status of a task.
func (c *Client) Status(ctx context.Context, taskID string) (*StatusResponse, error) {
	resp, err := c.get(ctx, "/scan/"+url.PathEscape(taskID)+"/status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "scan status", StatusCode: resp.StatusCode}
	}
	var st StatusResponse
	if err := resp.DecodeJSON(&st); err != nil {
		return nil, fmt.Errorf("sqlmapapi: scan status: %w", err)
	}
	if !st.Success {
		return nil, &APIError{Op: "scan status", StatusCode: resp.StatusCode, Message: "success=false"}
	}
	return &st, nil
}

// Data returns the structured scan results of a task. The raw body is
// returned alongside for archiving.
func (c *Client) Data(ctx context.Context, taskID string) (*DataResponse, []byte, error) {
	resp, err := c.get(ctx, "/scan/"+url.PathEscape(taskID)+"/data")
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &APIError{Op: "scan data", StatusCode: resp.StatusCode}
	}
	var data DataResponse
	if err := resp.DecodeJSON(&data); err != nil {
		return nil, nil, fmt.Errorf("sqlmapapi: scan data: %w", err)
	}
	if !data.Success {
		return nil, nil, &APIError{Op: "scan data", StatusCode: resp.StatusCode, Message: "success=false"}
	}
	return &data, resp.Body, nil
}

func (c *Client) get(ctx context.Context, path string) (*transport.Response, error) {
	resp, err := c.http.Do(ctx, &transport.Request{
		Method:  http.MethodGet,
		URL:     c.baseURL + path,
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlmapapi: GET %s: %w", path, err)
	}
	return resp, nil
}

// call performs a request whose response is the generic success envelope.
func (c *Client) call(ctx context.Context, op, method, path string, body []byte, contentType string) (*envelope, error) {
	resp, err := c.http.Do(ctx, &transport.Request{
		Method:      method,
		URL:         c.baseURL + path,
		Body:        body,
		ContentType: contentType,
		Timeout:     c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlmapapi: %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(resp.BodyString())}
	}

	var env envelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, fmt.Errorf("sqlmapapi: %s: %w", op, err)
	}
	if !env.Success {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	return &env, nil
}
