package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/chat-harvester/stream"
)

// MockCatalogServer creates a test server that mocks catalog API responses
type MockCatalogServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockCatalogServer creates a new mock catalog API server
func NewMockCatalogServer(t *testing.T) *MockCatalogServer {
	t.Helper()
	m := &MockCatalogServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockLiveResponse adds a handler for the /live endpoint
func (m *MockCatalogServer) MockLiveResponse(videos []map[string]interface{}) {
	m.Handlers["/live"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(videos) //nolint:errcheck // test mock response
	}
}

// FakeSession is a scripted stream.Session for worker tests. Each call to
// Next returns the next scripted batch; after the script is exhausted it
// returns Err (io.EOF by default) or blocks on ctx when Hang is set.
type FakeSession struct {
	mu       sync.Mutex
	Batches  [][]stream.Action
	Err      error
	Hang     bool
	Meta     stream.Metadata
	MetaErr  error
	Closed   bool
	NextCall int
}

func (s *FakeSession) Next(ctx context.Context) ([]stream.Action, error) {
	s.mu.Lock()
	i := s.NextCall
	s.NextCall++
	if i < len(s.Batches) {
		batch := s.Batches[i]
		s.mu.Unlock()
		return batch, nil
	}
	hang, err := s.Hang, s.Err
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *FakeSession) FetchMetadata(ctx context.Context) (stream.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Meta, s.MetaErr
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// FakeStreamClient hands out a fixed session, or fails with OpenErr.
type FakeStreamClient struct {
	Session *FakeSession
	OpenErr error
	Opened  []string
}

func (c *FakeStreamClient) Open(ctx context.Context, videoID, channelID string) (stream.Session, error) {
	c.Opened = append(c.Opened, videoID)
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	return c.Session, nil
}
