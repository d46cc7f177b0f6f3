package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MemorySink keeps entries in memory. SetFailure makes Append fail.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	fail    error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemorySink) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Entries returns a copy of the stored entries.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// InternalTokenHeader authenticates calls to the internal log endpoint.
const InternalTokenHeader = "X-Internal-Token"

// HTTPSink posts entries to the gateway's own /logs endpoint.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPSink(baseURL, token string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{
		endpoint: strings.TrimRight(baseURL, "/") + "/logs",
		token:    token,
		client:   client,
	}
}

func (h *HTTPSink) Append(ctx context.Context, e Entry) error {
	body, err := json.Marshal(LogRequest{
		DoctorID:  e.ClinicianID,
		PatientID: e.PatientID,
		Action:    e.Action,
		Reason:    e.Reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("audit http: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InternalTokenHeader, h.token)
	if e.RequestID != "" {
		req.Header.Set("X-Request-ID", e.RequestID)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit http: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("audit http: unexpected status %d", resp.StatusCode)
	}
	return nil
}
