package provider

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, cmd string) ([]byte, error) {
	args := m.Called(ctx, cmd)
	if out := args.Get(0); out != nil {
		return out.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}
