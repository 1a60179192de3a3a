package encoder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/ctxutil"
	"github.com/watchedlabs/vframe/internal/pkg/httpx"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
)

// Client talks to the external image-embedding service. EmbedFiles reads PNG
// frames from disk, ships them base64-encoded, and returns one vector per
// input in input order, truncated to the configured dimension.
type Client interface {
	EmbedFiles(ctx context.Context, paths []string, dim int) ([][]float32, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	batchSize  int
	maxRetries int
}

func NewClient(log *logger.Logger, cfg config.EncoderConfig, batchSize int) (Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing ENCODER_URL")
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &client{
		log:        log.With("client", "Encoder"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		batchSize:  batchSize,
		maxRetries: cfg.MaxRetries,
	}, nil
}

type encodeRequest struct {
	Images []string `json:"images"`
}

type encodeResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type encoderHTTPError struct {
	StatusCode int
	Body       string
}

func (e *encoderHTTPError) Error() string {
	return fmt.Sprintf("encoder http error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *encoderHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) EmbedFiles(ctx context.Context, paths []string, dim int) ([][]float32, error) {
	ctx = ctxutil.Default(ctx)
	if len(paths) == 0 {
		return [][]float32{}, nil
	}
	if dim <= 0 {
		return nil, fmt.Errorf("encoder: invalid vector dim %d", dim)
	}

	out := make([][]float32, 0, len(paths))
	for start := 0; start < len(paths); start += c.batchSize {
		end := start + c.batchSize
		if end > len(paths) {
			end = len(paths)
		}

		images, err := encodeImages(paths[start:end])
		if err != nil {
			return nil, err
		}

		var resp encodeResponse
		if err := c.do(ctx, "/encode", encodeRequest{Images: images}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(images) {
			return nil, fmt.Errorf("encoder returned %d vectors for %d images", len(resp.Embeddings), len(images))
		}

		for i, vec := range resp.Embeddings {
			if len(vec) < dim {
				return nil, fmt.Errorf("encoder vector %d has %d dims, want at least %d", start+i, len(vec), dim)
			}
			// Matryoshka truncation: the leading dims carry the signal.
			out = append(out, vec[:dim])
		}
	}
	return out, nil
}

func encodeImages(paths []string) ([]string, error) {
	images := make([]string, len(paths))
	for i, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read frame %s: %w", p, err)
		}
		images[i] = base64.StdEncoding.EncodeToString(raw)
	}
	return images, nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("encoder decode error: %w", uErr)
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("encoder request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &encoderHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return resp, raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
