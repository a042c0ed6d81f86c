package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/orchestrator"
)

// MockService mocks Service.
type MockService struct {
	mock.Mock
}

func (m *MockService) Reset(ctx context.Context, r harvest.Range) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockService) StartRun(ctx context.Context, r harvest.Range) (RunHandle, error) {
	args := m.Called(ctx, r)
	h, _ := args.Get(0).(RunHandle)
	return h, args.Error(1)
}

func (m *MockService) Close() error {
	return m.Called().Error(0)
}

// MockRun mocks RunHandle.
type MockRun struct {
	mock.Mock
}

func (m *MockRun) Execute(ctx context.Context) (orchestrator.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(orchestrator.Summary), args.Error(1)
}

func (m *MockRun) Close() error {
	return m.Called().Error(0)
}

// These tests replace the package-level factory and so do not run in parallel.
func withMockService(t *testing.T, svc Service, factoryErr error) {
	t.Helper()
	orig := newService
	newService = func(context.Context, config.Config, *zap.Logger) (Service, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return svc, nil
	}
	t.Cleanup(func() { newService = orig })
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	svc := &MockService{}
	run := &MockRun{}
	r := harvest.Range{Start: 1000, End: 2000}
	svc.On("StartRun", mock.Anything, r).Return(run, nil)
	svc.On("Close").Return(nil)
	run.On("Execute", mock.Anything).Return(orchestrator.Summary{Processed: 3, Stored: 2, NotFound: 1}, nil)
	run.On("Close").Return(nil)
	withMockService(t, svc, nil)

	out, err := execute("run", "1000", "2000")
	require.NoError(t, err)
	assert.Contains(t, out, "processed=3 stored=2 not_found=1")
	svc.AssertExpectations(t)
	run.AssertExpectations(t)
}

func TestPositionalShorthandRuns(t *testing.T) {
	svc := &MockService{}
	run := &MockRun{}
	svc.On("StartRun", mock.Anything, harvest.Range{Start: 5, End: 9}).Return(run, nil)
	svc.On("Close").Return(nil)
	run.On("Execute", mock.Anything).Return(orchestrator.Summary{}, nil)
	run.On("Close").Return(nil)
	withMockService(t, svc, nil)

	_, err := execute("5", "9")
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestRunRotationFailureIsFatal(t *testing.T) {
	svc := &MockService{}
	run := &MockRun{}
	svc.On("StartRun", mock.Anything, mock.Anything).Return(run, nil)
	svc.On("Close").Return(nil)
	run.On("Execute", mock.Anything).Return(orchestrator.Summary{Processed: 1},
		errors.Join(harvest.ErrRotationFailed, errors.New("no address after 3 rotations")))
	run.On("Close").Return(nil)
	withMockService(t, svc, nil)

	_, err := execute("run", "1", "10")
	require.ErrorIs(t, err, harvest.ErrRotationFailed)
	run.AssertCalled(t, "Close")
}

func TestRangeValidation(t *testing.T) {
	svc := &MockService{}
	withMockService(t, svc, nil)

	tests := []struct {
		name string
		args []string
	}{
		{name: "run start equals end", args: []string{"run", "5", "5"}},
		{name: "run start above end", args: []string{"run", "9", "3"}},
		{name: "run not integers", args: []string{"run", "a", "10"}},
		{name: "run one arg", args: []string{"run", "10"}},
		{name: "reset not integers", args: []string{"reset", "1", "x"}},
		{name: "shorthand three args", args: []string{"1", "2", "3"}},
		{name: "shorthand one arg", args: []string{"7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(tt.args...)
			require.Error(t, err)
			assert.Contains(t, out, "Usage:")
		})
	}
	svc.AssertNotCalled(t, "StartRun", mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything)
}

func TestResetCommand(t *testing.T) {
	svc := &MockService{}
	r := harvest.Range{Start: 1, End: 50}
	svc.On("Reset", mock.Anything, r).Return(nil)
	svc.On("Close").Return(nil)
	withMockService(t, svc, nil)

	out, err := execute("reset", "1", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger for [1, 50] reset")
	svc.AssertExpectations(t)
}

func TestResetFailure(t *testing.T) {
	svc := &MockService{}
	svc.On("Reset", mock.Anything, mock.Anything).Return(errors.New("permission denied"))
	svc.On("Close").Return(nil)
	withMockService(t, svc, nil)

	_, err := execute("reset", "1", "50")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestServiceInitFailure(t *testing.T) {
	withMockService(t, nil, errors.New("connect postgres: refused"))

	_, err := execute("run", "1", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize application services")
}

func TestHelp(t *testing.T) {
	withMockService(t, &MockService{}, nil)

	for _, args := range [][]string{nil, {"help"}, {"--help"}} {
		out, err := execute(args...)
		require.NoError(t, err)
		assert.Contains(t, out, "docharvest START END")
		assert.Contains(t, out, "reset")
	}
}

func TestHelpIgnoresBrokenConfig(t *testing.T) {
	withMockService(t, &MockService{}, nil)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  batch_size: 0\n"), 0o600))

	for _, args := range [][]string{{"--config", path}, {"help", "--config", path}, {"help", "run", "--config", path}} {
		out, err := execute(args...)
		require.NoError(t, err, "args %v", args)
		assert.Contains(t, out, "Usage:")
	}

	_, err := execute("run", "1", "5", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
	assert.ErrorIs(t, err, harvest.ErrConfiguration)
}
