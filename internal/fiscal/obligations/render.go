package obligations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RenderRequest is sent to the render function.
type RenderRequest struct {
	ObligationID int64  `json:"obligationId"`
	FileType     string `json:"fileType"`
	Format       string `json:"format"`
	RequestID    string `json:"requestId"`
}

// RenderedFile describes the artefact produced by the render function.
type RenderedFile struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Format  string `json:"format"`
	Content string `json:"content,omitempty"`
}

// Decode returns the base64 content, nil when the function stored the file itself.
func (f RenderedFile) Decode() ([]byte, error) {
	if f.Content == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(f.Content)
}

type renderResponse struct {
	Success bool          `json:"success"`
	File    *RenderedFile `json:"file"`
	Error   string        `json:"error"`
}

// Renderer produces obligation files.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderedFile, error)
}

// RenderConfig configures RenderClient.
type RenderConfig struct {
	URL             string
	Token           string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	HTTPClient      *http.Client
}

// RenderClient calls the remote render function over HTTP.
type RenderClient struct {
	url        string
	token      string
	timeout    time.Duration
	maxRetries int
	initial    time.Duration
	httpClient *http.Client
}

// NewRenderClient constructs a client. Timeout bounds one Render call,
// retries included.
func NewRenderClient(cfg RenderConfig) *RenderClient {
	c := &RenderClient{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		initial:    cfg.InitialInterval,
		httpClient: cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.initial <= 0 {
		c.initial = 500 * time.Millisecond
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// Ping checks that the render function answers.
func (c *RenderClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("render function returned status %d", resp.StatusCode)
	}
	return nil
}

// Render asks the function for a file. Transport errors, 429 and 5xx are
// retried with exponential backoff; every attempt carries the same request id.
func (c *RenderClient) Render(ctx context.Context, in RenderRequest) (RenderedFile, error) {
	if c.url == "" {
		return RenderedFile{}, errors.New("render function url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return RenderedFile{}, err
	}

	var out RenderedFile
	operation := func() error {
		file, err := c.post(ctx, in.RequestID, body)
		if err != nil {
			return err
		}
		out = file
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	policy.MaxElapsedTime = 0
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RenderedFile{}, fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}
		return RenderedFile{}, err
	}
	return out, nil
}

func (c *RenderClient) post(ctx context.Context, requestID string, body []byte) (RenderedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return RenderedFile{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RenderedFile{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return RenderedFile{}, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return RenderedFile{}, fmt.Errorf("render function returned status %d", resp.StatusCode)
	}

	var decoded renderResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		if resp.StatusCode >= 400 {
			return RenderedFile{}, backoff.Permanent(fmt.Errorf("render function returned status %d", resp.StatusCode))
		}
		return RenderedFile{}, backoff.Permanent(fmt.Errorf("decode render response: %w", err))
	}
	if resp.StatusCode >= 400 || !decoded.Success {
		msg := strings.TrimSpace(decoded.Error)
		if msg == "" {
			msg = fmt.Sprintf("render function returned status %d", resp.StatusCode)
		}
		return RenderedFile{}, backoff.Permanent(errors.New(msg))
	}
	if decoded.File == nil || (decoded.File.Path == "" && decoded.File.Content == "") {
		return RenderedFile{}, backoff.Permanent(errors.New("render response carries no file"))
	}
	return *decoded.File, nil
}
