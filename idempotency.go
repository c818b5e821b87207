// Package idempotency provides an in-process idempotency layer for side-effecting
// operations. A key is executed at most once per payload fingerprint; retries
// and concurrent duplicates replay the stored outcome, and reusing a key with a
// different payload is rejected.
//
// The Store contract is implemented by store.MemoryStore. Coordinator drives a
// Store for any operation, and Middleware adapts it to net/http handlers.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AnandSundar/idempotency-gateway/internal/httpx"
)

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "Idempotency-Key"
	// DefaultReplayHeader marks responses served from a previous execution
	DefaultReplayHeader = "X-Cache-Hit"
	// DefaultTTL is the default lifetime of an entry
	DefaultTTL = 24 * time.Hour
	// DefaultMaxBodyBytes bounds the body read for fingerprinting
	DefaultMaxBodyBytes int64 = 1 << 20
)

// ErrPayloadTooLarge is returned by the default PayloadFunc for oversized bodies
var ErrPayloadTooLarge = errors.New("request body too large for idempotency hashing")

// Middleware returns an HTTP middleware that enforces idempotency.
// Requests carrying an idempotency key run the next handler at most once per
// key and payload; duplicates receive the recorded response with the replay
// header set.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	config := &Config{
		HeaderName:   DefaultHeaderName,
		ReplayHeader: DefaultReplayHeader,
		MaxBodyBytes: DefaultMaxBodyBytes,
		PayloadFunc:  defaultPayloadFunc,
		Logger:       NopLogger(),
	}

	for _, opt := range opts {
		opt(config)
	}

	coordinator := NewCoordinator(store, config.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only apply to non-idempotent methods
			if !isIdempotentMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(config.HeaderName))
			if key == "" {
				// No idempotency key, process normally
				next.ServeHTTP(w, r)
				return
			}

			payload, err := config.PayloadFunc(r, config.MaxBodyBytes)
			if err != nil {
				writeFailure(w, err)
				return
			}

			outcome, err := coordinator.Do(r.Context(), key, payload, func(ctx context.Context) (*Response, error) {
				recorder := newResponseRecorder()
				next.ServeHTTP(recorder, r.WithContext(ctx))
				resp := recorder.response()
				if resp.StatusCode >= http.StatusBadRequest {
					return nil, &ResponseError{Response: resp}
				}
				return resp, nil
			})

			replayed := outcome != nil && outcome.Replayed
			if replayed && config.ReplayHeader != "" {
				w.Header().Set(config.ReplayHeader, "true")
			}
			if err != nil {
				var respErr *ResponseError
				if errors.As(err, &respErr) && respErr.Response != nil {
					writeResponse(w, respErr.Response)
					return
				}
				if !errors.Is(err, ErrConflict) {
					config.Logger.Error("idempotent request failed", "key", key, "replayed", replayed, "error", err)
				}
				writeFailure(w, err)
				return
			}
			writeResponse(w, outcome.Response)
		})
	}
}

// isIdempotentMethod returns true for HTTP methods that should use idempotency
func isIdempotentMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPatch || method == http.MethodPut
}

// defaultPayloadFunc returns the JSON body as a json.RawMessage, or nil for an
// empty body. The body is restored for the next handler.
func defaultPayloadFunc(r *http.Request, maxBodyBytes int64) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if int64(len(body)) > maxBodyBytes {
		return nil, ErrPayloadTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidPayload)
	}
	return json.RawMessage(trimmed), nil
}

// writeResponse writes a recorded response to the response writer
func writeResponse(w http.ResponseWriter, resp *Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for key, values := range resp.Headers {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	status := resp.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConflict):
		httpx.WriteError(w, http.StatusBadRequest, "Idempotency key already used with different request body")
	case errors.Is(err, ErrPayloadTooLarge):
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
	case errors.Is(err, ErrInvalidPayload):
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request payload")
	case errors.Is(err, ErrMissingKey):
		httpx.WriteError(w, http.StatusBadRequest, "Idempotency-Key is required")
	case errors.Is(err, ErrExpired):
		httpx.WriteError(w, http.StatusConflict, "Idempotency key expired before the request completed")
	case errors.Is(err, ErrWaitTimeout), errors.Is(err, ErrInProgress):
		httpx.WriteError(w, http.StatusConflict, "Request with this idempotency key is still in progress")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStoreClosed):
		httpx.WriteError(w, http.StatusServiceUnavailable, "Service unavailable")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// responseRecorder captures an HTTP response for storage
type responseRecorder struct {
	header      http.Header
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = statusCode
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(b)
}

func (r *responseRecorder) response() *Response {
	return &Response{
		StatusCode: r.statusCode,
		Headers:    r.header.Clone(),
		Body:       bytes.Clone(r.body.Bytes()),
	}
}
