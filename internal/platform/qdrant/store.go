package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/ctxutil"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
)

const (
	maxErrorBodyBytes = 1024
	// Upsert requests are capped to keep single calls bounded regardless of
	// how many frames a video produced.
	upsertBatchCap = 128
)

// Point is one vector with its payload. Callers supply deterministic
// UUIDv5 ids; the store never generates ids, which makes upsert idempotent.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// ScrolledPoint is a point returned by Scroll (migrations only).
type ScrolledPoint struct {
	ID      json.RawMessage `json:"id"`
	Payload map[string]any  `json:"payload"`
}

type Store interface {
	// EnsureCollection creates the collection (vector size, cosine distance)
	// and its payload indexes when absent. Idempotent.
	EnsureCollection(ctx context.Context) error
	// Upsert writes points in capped batches with wait=true, blocking until
	// the server acknowledges each batch.
	Upsert(ctx context.Context, points []Point) error
	// CountByCode returns the exact number of points whose payload
	// video_code matches code.
	CountByCode(ctx context.Context, code string) (int, error)
	// Scroll pages through points matching filter. Not on the hot path.
	Scroll(ctx context.Context, filter map[string]any, limit int, cursor json.RawMessage) ([]ScrolledPoint, json.RawMessage, error)
}

type store struct {
	log     *logger.Logger
	cfg     config.QdrantConfig
	baseURL string
	http    *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

func NewStore(log *logger.Logger, cfg config.QdrantConfig, timeout time.Duration) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("QDRANT_URL is required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("QDRANT_COLLECTION is required")
	}
	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("QDRANT_VECTOR_DIM must be a positive integer")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	s := &store{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
	}

	log.Info(
		"Qdrant store configured",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
	)
	return s, nil
}

// payload index fields required for filtered counting and future search.
var payloadIndexes = []struct {
	Field  string
	Schema string
}{
	{Field: "video_code", Schema: "keyword"},
	{Field: "platform", Schema: "keyword"},
	{Field: "frame_number", Schema: "integer"},
}

func (s *store) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	exists, err := s.collectionExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		req := map[string]any{
			"vectors": map[string]any{
				"size":     s.cfg.VectorDim,
				"distance": "Cosine",
			},
		}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), req, nil); err != nil {
			// A concurrent creator may have won the race.
			var opErrTyped *OperationError
			if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusConflict {
				return err
			}
		}
		s.log.Info("Qdrant collection created", "collection", s.cfg.Collection)
	}

	for _, idx := range payloadIndexes {
		req := map[string]any{
			"field_name":   idx.Field,
			"field_schema": idx.Schema,
		}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/index?wait=true"), req, nil); err != nil {
			var opErrTyped *OperationError
			if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusConflict {
				continue
			}
			// Older servers answer 400 for an index that already exists.
			if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusBadRequest &&
				strings.Contains(strings.ToLower(opErrTyped.Message), "already exists") {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *store) collectionExists(ctx context.Context) (bool, error) {
	const op = "collection_exists"

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, s.baseURL+s.collectionPath(""), nil)
	if err != nil {
		return false, opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return false, classifyHTTPCallError(op, "qdrant collection check failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant collection check returned status=%d", resp.StatusCode),
		}
	}
}

func (s *store) Upsert(ctx context.Context, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	for _, p := range points {
		if strings.TrimSpace(p.ID) == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Vector) != s.cfg.VectorDim {
			return opErr(
				op,
				OperationErrorValidation,
				fmt.Sprintf(
					"point %q dimension mismatch: expected=%d got=%d",
					p.ID,
					s.cfg.VectorDim,
					len(p.Vector),
				),
				nil,
			)
		}
	}

	for start := 0; start < len(points); start += upsertBatchCap {
		end := start + upsertBatchCap
		if end > len(points) {
			end = len(points)
		}
		req := map[string]any{"points": points[start:end]}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) CountByCode(ctx context.Context, code string) (int, error) {
	const op = "count"
	if strings.TrimSpace(code) == "" {
		return 0, opErr(op, OperationErrorValidation, "code required", nil)
	}

	req := map[string]any{
		"filter": matchFilter("video_code", code),
		"exact":  true,
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/count"), req, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (s *store) Scroll(ctx context.Context, filter map[string]any, limit int, cursor json.RawMessage) ([]ScrolledPoint, json.RawMessage, error) {
	const op = "scroll"
	if limit <= 0 {
		limit = 100
	}

	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if len(filter) > 0 {
		req["filter"] = filter
	}
	if len(cursor) > 0 && string(cursor) != "null" {
		req["offset"] = cursor
	}

	var result struct {
		Points         []ScrolledPoint `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, nil, err
	}
	next := result.NextPageOffset
	if string(next) == "null" {
		next = nil
	}
	return result.Points, next, nil
}

func matchFilter(field string, value any) map[string]any {
	return map[string]any{
		"must": []any{
			map[string]any{
				"key":   field,
				"match": map[string]any{"value": value},
			},
		},
	}
}

func (s *store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func (s *store) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *store) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
