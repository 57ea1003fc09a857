package cluster

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
	"time"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/storage"
)

// LeaderTokenHeader carries the leader token on forwarded requests
const LeaderTokenHeader = "X-Leader-Token"

// Forwarder relays an operation to the admin surface of another node
type Forwarder interface {
	Add(ctx context.Context, address string, record storage.Record, token string) (storage.Record, error)
	Get(ctx context.Context, address, key, token string) (storage.Record, error)
	Delete(ctx context.Context, address, key, token string) (storage.Record, error)
}

// HTTPForwarder forwards over the admin HTTP surface
type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder creates a forwarder whose calls give up after timeout
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{
		client: &http.Client{Timeout: timeout},
	}
}

// PutBody is the request body of PUT /kv/{key}
type PutBody struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// errorBody mirrors the admin surface's error response
type errorBody struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func kvURL(address, key string) string {
	return "http://" + address + "/kv/" + url.PathEscape(key)
}

func (f *HTTPForwarder) Add(ctx context.Context, address string, record storage.Record, token string) (storage.Record, error) {
	body, err := json.Marshal(PutBody{Value: record.Value, Timestamp: record.Timestamp})
	if err != nil {
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeInternal, "failed to encode forwarded record", err)
	}
	return f.do(ctx, http.MethodPut, address, record.Key, token, body)
}

func (f *HTTPForwarder) Get(ctx context.Context, address, key, token string) (storage.Record, error) {
	return f.do(ctx, http.MethodGet, address, key, token, nil)
}

func (f *HTTPForwarder) Delete(ctx context.Context, address, key, token string) (storage.Record, error) {
	return f.do(ctx, http.MethodDelete, address, key, token, nil)
}

func (f *HTTPForwarder) do(ctx context.Context, method, address, key, token string, body []byte) (storage.Record, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, kvURL(address, key), reader)
	if err != nil {
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeInternal, "failed to build forwarded request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(LeaderTokenHeader, token)

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return storage.Record{}, kvErr.New(kvErr.ErrorTypeTimeout, fmt.Sprintf("%s %s timed out", method, address), err)
		}
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeForwarding, fmt.Sprintf("%s %s failed", method, address), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeForwarding, "failed to read response from "+address, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var record storage.Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return storage.Record{}, kvErr.New(kvErr.ErrorTypeForwarding, "malformed response from "+address, err)
		}
		return record, nil
	}

	message := remoteMessage(raw, resp.Status)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return storage.Record{}, kvErr.NotFound(key)
	case http.StatusUnauthorized:
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeUnauthorized, address+" rejected the leader token: "+message, nil)
	case http.StatusBadRequest:
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeInvalidInput, message, nil)
	case http.StatusGatewayTimeout:
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeTimeout, address+": "+message, nil)
	default:
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeForwarding, address+": "+message, nil)
	}
}

func remoteMessage(raw []byte, status string) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return status
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
