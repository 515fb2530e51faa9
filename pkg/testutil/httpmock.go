package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
)

// MockTransport is a configurable http.RoundTripper for testing HTTP
// clients without a network.
type MockTransport struct {
	mu              sync.Mutex
	responses       []MockResponse
	requests        []*http.Request
	requestBodies   [][]byte
	defaultResponse *MockResponse
}

// MockResponse defines a mock HTTP response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Error      error
	// Matcher optionally matches requests - if nil, matches all
	Matcher func(*http.Request) bool
}

// NewMockTransport creates a new mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses:     make([]MockResponse, 0),
		requests:      make([]*http.Request, 0),
		requestBodies: make([][]byte, 0),
	}
}

// AddResponse adds a mock response to the queue.
func (m *MockTransport) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// SetDefaultResponse sets the default response when queue is empty.
func (m *MockTransport) SetDefaultResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResponse = &resp
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Store the request
	m.requests = append(m.requests, req)

	// Store request body if present
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		m.requestBodies = append(m.requestBodies, body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	} else {
		m.requestBodies = append(m.requestBodies, nil)
	}

	// Find matching response
	var resp *MockResponse
	for i, r := range m.responses {
		if r.Matcher == nil || r.Matcher(req) {
			resp = &m.responses[i]
			// Remove from queue
			m.responses = append(m.responses[:i], m.responses[i+1:]...)
			break
		}
	}

	if resp == nil {
		resp = m.defaultResponse
	}

	if resp == nil {
		return nil, &MockError{Message: "no mock response configured"}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}

	for k, v := range resp.Headers {
		httpResp.Header.Set(k, v)
	}

	return httpResp, nil
}

// Requests returns all captured requests.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastRequest returns the last captured request.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// LastRequestBody returns the last captured request body.
func (m *MockTransport) LastRequestBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requestBodies) == 0 {
		return nil
	}
	return m.requestBodies[len(m.requestBodies)-1]
}

// Reset clears all captured requests and responses.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = make([]MockResponse, 0)
	m.requests = make([]*http.Request, 0)
	m.requestBodies = make([][]byte, 0)
}

// MockError represents a mock error.
type MockError struct {
	Message string
}

func (e *MockError) Error() string {
	return e.Message
}

// Common mock response builders

// MockJSONResponse creates a 200 response with a JSON-encoded body.
func MockJSONResponse(v interface{}) MockResponse {
	body, _ := json.Marshal(v)
	return MockResponse{
		StatusCode: 200,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// MockErrorResponse creates a mock error response.
func MockErrorResponse(statusCode int, message string) MockResponse {
	body, _ := json.Marshal(map[string]string{"error": message})
	return MockResponse{
		StatusCode: statusCode,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// MockConnectionError creates a mock connection error.
func MockConnectionError() MockResponse {
	return MockResponse{
		Error: &MockError{Message: "connection refused"},
	}
}

// MockMalformedJSON creates a mock response with invalid JSON.
func MockMalformedJSON() MockResponse {
	return MockResponse{
		StatusCode: 200,
		Body:       `{"invalid json`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
