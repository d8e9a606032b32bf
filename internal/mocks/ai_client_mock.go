package mocks

import (
	"context"

	"story-graph-server/internal/ai"

	"github.com/stretchr/testify/mock"
)

// MockAIClient is a mock type for the ai.Client type
type MockAIClient struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, req
func (_m *MockAIClient) Generate(ctx context.Context, req ai.Request) (*ai.Response, error) {
	ret := _m.Called(ctx, req)

	var r0 *ai.Response
	if rf, ok := ret.Get(0).(func(context.Context, ai.Request) *ai.Response); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*ai.Response)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, ai.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockAIClient creates a new instance of MockAIClient. It also registers a testing interface on the mock.
// The first argument is typically a *testing.T value.
func NewMockAIClient(t interface {
	mock.TestingT
	Helper()
}) *MockAIClient {
	m := &MockAIClient{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ ai.Client = (*MockAIClient)(nil)
