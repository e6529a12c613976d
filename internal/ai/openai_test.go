package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockTransport implements http.RoundTripper for testing
type MockTransport struct {
	mu             sync.RWMutex
	responses      map[string]int
	responseBodies map[string]string
	requests       []*http.Request
	bodies         []string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses:      make(map[string]int),
		responseBodies: make(map[string]string),
	}
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		m.bodies = append(m.bodies, string(b))
	}

	key := fmt.Sprintf("%s %s", req.Method, req.URL.String())
	if code, exists := m.responses[key]; exists {
		return &http.Response{
			StatusCode: code,
			Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
			Body:       io.NopCloser(strings.NewReader(m.responseBodies[key])),
			Header:     make(http.Header),
		}, nil
	}

	// Default response if no mock is set up
	return &http.Response{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "Mock not configured"}}`)),
		Header:     make(http.Header),
	}, nil
}

func (m *MockTransport) AddResponse(method, url string, statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s %s", method, url)
	m.responses[key] = statusCode
	m.responseBodies[key] = body
}

func (m *MockTransport) GetRequests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make([]*http.Request, len(m.requests))
	copy(requests, m.requests)
	return requests
}

// Helper function to create a client with mock transport
func createMockClient(transport *MockTransport) *OpenAIClient {
	config := &ClientConfig{
		APIKey:     "test-api-key",
		EmbedModel: "text-embedding-3-small",
		Dim:        512,
		ProjectID:  "test-project",
	}

	client := NewOpenAIClient(config)
	client.http = &http.Client{
		Transport: transport,
		Timeout:   20 * time.Second,
	}
	return client
}

func TestOpenAIClient_Embed(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expectError bool
		errorMsg    string
		expectedLen int
	}{
		{
			name:        "success",
			status:      200,
			body:        `{"data":[{"embedding":[0.1,0.2,0.3]}]}`,
			expectedLen: 3,
		},
		{
			name:        "api error message",
			status:      429,
			body:        `{"error":{"message":"Rate limit exceeded"}}`,
			expectError: true,
			errorMsg:    "Rate limit exceeded",
		},
		{
			name:        "bare status",
			status:      502,
			body:        `upstream`,
			expectError: true,
			errorMsg:    "502",
		},
		{
			name:        "empty data",
			status:      200,
			body:        `{"data":[]}`,
			expectError: true,
			errorMsg:    "no embedding",
		},
		{
			name:        "invalid json",
			status:      200,
			body:        `{`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			transport.AddResponse("POST", "https://api.openai.com/v1/embeddings", tt.status, tt.body)
			client := createMockClient(transport)

			vec, err := client.Embed(context.Background(), "hello")
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(vec) != tt.expectedLen {
				t.Errorf("expected %d values, got %d", tt.expectedLen, len(vec))
			}
		})
	}
}

func TestOpenAIClient_EmbedRequest(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", "https://api.openai.com/v1/embeddings", 200, `{"data":[{"embedding":[1]}]}`)
	client := createMockClient(transport)
	client.config.APIKey = "sk-proj-abc"

	if _, err := client.Embed(context.Background(), "some text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}

	reqs := transport.GetRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if got := req.Header.Get("Authorization"); got != "Bearer sk-proj-abc" {
		t.Errorf("unexpected Authorization header %q", got)
	}
	if got := req.Header.Get("OpenAI-Project"); got != "test-project" {
		t.Errorf("expected OpenAI-Project header, got %q", got)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(transport.bodies[0]), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["input"] != "some text" || payload["model"] != "text-embedding-3-small" {
		t.Errorf("unexpected payload %v", payload)
	}
	if payload["dimensions"] != float64(512) {
		t.Errorf("expected dimensions 512, got %v", payload["dimensions"])
	}
}

func TestOpenAIClient_MissingAPIKey(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{})
	if _, err := client.Embed(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "PROVIDER_API_KEY") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestOpenAIClient_BaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.5]}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(&ClientConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", Dim: 2})
	vec, err := client.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("expected 2 values, got %d", len(vec))
	}
}

func TestOpenAIClient_ContextCancelled(t *testing.T) {
	// the handler blocks until the test returns; Close waits for it
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewOpenAIClient(&ClientConfig{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Embed(ctx, "x"); err == nil {
		t.Error("expected error from cancelled context")
	}
}
