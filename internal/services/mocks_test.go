package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/tunewave/backend/internal/rail"
)

type MockRail struct {
	mock.Mock
}

func (m *MockRail) Submit(ctx context.Context, in rail.Instruction) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}

// MockPublisher records published events by key
type MockPublisher struct {
	mock.Mock
	mu   sync.Mutex
	keys []string
}

func (m *MockPublisher) Publish(ctx context.Context, key string, value any) error {
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockPublisher) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}
