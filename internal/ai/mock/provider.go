package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// DefaultReport is the JSON returned by NewMockProvider.
const DefaultReport = `{"strengths":["Explosive three-step approach","High contact point","Full arm extension at contact"],` +
	`"issues":["Penultimate step too short","Non-hitting arm drops early","Lands on one foot"],` +
	`"drills":["Approach footwork with cones","Towel arm-swing drill","Two-foot landing box jumps"]}`

// MockProvider satisfies models.VisionProvider for testing.
type MockProvider struct {
	Name_        string
	Model_       string
	CritiqueFunc func(ctx context.Context, req models.VisionRequest) (string, error)

	mu       sync.Mutex
	requests []models.VisionRequest
}

func (m *MockProvider) Name() string  { return m.Name_ }
func (m *MockProvider) Model() string { return m.Model_ }

func (m *MockProvider) Critique(ctx context.Context, req models.VisionRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CritiqueFunc != nil {
		return m.CritiqueFunc(ctx, req)
	}
	return "", nil
}

// Requests returns every request received so far, in order.
func (m *MockProvider) Requests() []models.VisionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.VisionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Critique calls.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// NewMockProvider returns a MockProvider that always answers with DefaultReport.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock",
		Model_: "mock-vision-v1",
		CritiqueFunc: func(_ context.Context, _ models.VisionRequest) (string, error) {
			return DefaultReport, nil
		},
	}
}

// NewSequenceProvider answers the nth call with responses[n]; calls past the
// end repeat the last response.
func NewSequenceProvider(responses ...string) *MockProvider {
	m := &MockProvider{Name_: "mock-sequence", Model_: "mock-vision-v1"}
	m.CritiqueFunc = func(_ context.Context, _ models.VisionRequest) (string, error) {
		if len(responses) == 0 {
			return "", nil
		}
		n := m.Calls() - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		return responses[n], nil
	}
	return m
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_:  "mock-failing",
		Model_: "mock-vision-v1",
		CritiqueFunc: func(_ context.Context, _ models.VisionRequest) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock-timeout",
		Model_: "mock-vision-v1",
		CritiqueFunc: func(ctx context.Context, _ models.VisionRequest) (string, error) {
			<-ctx.Done()
			return "", models.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements VisionProvider.
var _ models.VisionProvider = (*MockProvider)(nil)
