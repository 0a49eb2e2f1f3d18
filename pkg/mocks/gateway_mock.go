package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/flowdeck/flowdeck/pkg/engine"
)

// MockGateway is a mock implementation of engine.Gateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) BuildWorkflow(ctx context.Context, req engine.BuildRequest) (*engine.BuildResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*engine.BuildResult), args.Error(1)
}

func (m *MockGateway) CreateWorkflow(ctx context.Context, name, compiledJSON string) (*engine.CreateResult, error) {
	args := m.Called(ctx, name, compiledJSON)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*engine.CreateResult), args.Error(1)
}

func (m *MockGateway) UpdateWorkflow(ctx context.Context, engineWorkflowID, name, compiledJSON string) (*engine.CreateResult, error) {
	args := m.Called(ctx, engineWorkflowID, name, compiledJSON)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*engine.CreateResult), args.Error(1)
}

func (m *MockGateway) ActivateWorkflow(ctx context.Context, engineWorkflowID string) error {
	args := m.Called(ctx, engineWorkflowID)

	return args.Error(0)
}

func (m *MockGateway) DeactivateWorkflow(ctx context.Context, engineWorkflowID string) error {
	args := m.Called(ctx, engineWorkflowID)

	return args.Error(0)
}

func (m *MockGateway) DeleteWorkflow(ctx context.Context, engineWorkflowID string) error {
	args := m.Called(ctx, engineWorkflowID)

	return args.Error(0)
}

func (m *MockGateway) RunWorkflow(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*engine.RunResult), args.Error(1)
}

func (m *MockGateway) ResumeExecution(ctx context.Context, engineExecutionID string) error {
	args := m.Called(ctx, engineExecutionID)

	return args.Error(0)
}
