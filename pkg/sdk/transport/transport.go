package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nicktill/healthobs/pkg/httpx"
	"github.com/nicktill/healthobs/pkg/ingest"
)

// DefaultTimeout bounds one import request
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is read
const maxErrorBody = 64 << 10

// Transport defines the interface for sending observations
type Transport interface {
	Send(ctx context.Context, observations []ingest.WireObservation) (*ingest.Result, error)
}

// StatusError is a non-2xx response from the server
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ErrorFromResponse builds a StatusError from an error response body
func ErrorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er httpx.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: er.Message}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
}

// HTTPTransport implements Transport using HTTP
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates a transport posting to endpoint (the full /v1/import URL).
// client may be nil.
func NewHTTP(endpoint, apiKey string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   client,
	}
}

// Send posts observations to the import endpoint. A server-side write failure returns
// both the partial result and the error.
func (t *HTTPTransport) Send(ctx context.Context, observations []ingest.WireObservation) (*ingest.Result, error) {
	if len(observations) == 0 {
		return &ingest.Result{}, nil
	}

	jsonData, err := json.Marshal(ingest.Payload{Observations: observations})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observations: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var res ingest.Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("failed to decode import result: %w", err)
		}
		return &res, nil
	case resp.StatusCode == http.StatusInternalServerError:
		// The importer reports what it wrote before the failure
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var res ingest.Result
		if err := json.Unmarshal(body, &res); err == nil && res.BatchID != "" {
			msg := fmt.Sprintf("import interrupted after %d observations", res.ObservationsImported)
			return &res, &StatusError{StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	default:
		return nil, ErrorFromResponse(resp)
	}
}
