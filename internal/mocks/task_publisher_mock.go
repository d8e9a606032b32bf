package mocks

import (
	"context"

	"story-graph-server/internal/models"

	"github.com/stretchr/testify/mock"
)

// TaskPublisher is a mock type for the TaskPublisher type
type TaskPublisher struct {
	mock.Mock
}

// PublishGenerationTask provides a mock function with given fields: ctx, task
func (_m *TaskPublisher) PublishGenerationTask(ctx context.Context, task models.GenerationTask) error {
	ret := _m.Called(ctx, task)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, models.GenerationTask) error); ok {
		r0 = rf(ctx, task)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewTaskPublisher creates a new instance of TaskPublisher. It also registers a testing interface on the mock
// and a cleanup function to assert the mocks expectations.
func NewTaskPublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *TaskPublisher {
	m := &TaskPublisher{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
