package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/federated-kms/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockEscrowBackend implements interfaces.EscrowBackend for testing
type MockEscrowBackend struct {
	mock.Mock
	name string
}

func (m *MockEscrowBackend) Fetch(ctx context.Context, id interfaces.EscrowID) ([]byte, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockEscrowBackend) Store(ctx context.Context, id interfaces.EscrowID, data []byte) error {
	args := m.Called(ctx, id, data)
	return args.Error(0)
}

func (m *MockEscrowBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockEscrowBackend) Name() string {
	return m.name
}

func (m *MockEscrowBackend) LocationURI() string {
	return "mock:" + m.name
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true, false}, expected: true},
		{name: "no backends available", backends: []bool{false, false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.EscrowBackend
			for i, available := range tt.backends {
				m := &MockEscrowBackend{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiBackend(backends, discardLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockEscrowBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiBackend_Fetch(t *testing.T) {
	testID := interfaces.EscrowIDFor("alice@example.com")
	testData := []byte(`{"identity":"alice@example.com"}`)
	testErr := errors.New("connection reset")

	tests := []struct {
		name         string
		setupMocks   func() []interfaces.EscrowBackend
		expectedData []byte
		expectedErr  error
		anyErr       bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID).Return(testData, nil)

				// Not consulted once the first backend answers.
				m2 := &MockEscrowBackend{name: "mock-B"}
				return []interfaces.EscrowBackend{m1, m2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID).Return(nil, testErr)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, testID).Return(testData, nil)
				return []interfaces.EscrowBackend{m1, m2}
			},
			expectedData: testData,
		},
		{
			name: "missing everywhere",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID).Return(nil, interfaces.ErrNotFound)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, testID).Return(nil, interfaces.ErrNotFound)
				return []interfaces.EscrowBackend{m1, m2}
			},
			expectedErr: interfaces.ErrNotFound,
		},
		{
			name: "missing on one, other down",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID).Return(nil, interfaces.ErrNotFound)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(false)
				return []interfaces.EscrowBackend{m1, m2}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID).Return(nil, testErr)
				return []interfaces.EscrowBackend{m1}
			},
			anyErr: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(false)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, testID).Return(testData, nil)
				return []interfaces.EscrowBackend{m1, m2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiBackend(backends, discardLogger())

			data, err := multi.Fetch(context.Background(), testID)
			switch {
			case tt.expectedErr != nil:
				assert.ErrorIs(t, err, tt.expectedErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockEscrowBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiBackend_Store(t *testing.T) {
	testID := interfaces.EscrowIDFor("alice@example.com")
	testData := []byte(`{"identity":"alice@example.com"}`)
	testErr := errors.New("access denied")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.EscrowBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, testID, testData).Return(nil)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, testID, testData).Return(nil)
				return []interfaces.EscrowBackend{m1, m2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, testID, testData).Return(nil)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, testID, testData).Return(testErr)
				return []interfaces.EscrowBackend{m1, m2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, testID, testData).Return(testErr)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(false)
				return []interfaces.EscrowBackend{m1, m2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.EscrowBackend {
				m1 := &MockEscrowBackend{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(false)

				m2 := &MockEscrowBackend{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, testID, testData).Return(nil)
				return []interfaces.EscrowBackend{m1, m2}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiBackend(backends, discardLogger())

			err := multi.Store(context.Background(), testID, testData)
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			for _, backend := range backends {
				backend.(*MockEscrowBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiBackend_LocationURI(t *testing.T) {
	multi := NewMultiBackend([]interfaces.EscrowBackend{
		&MockEscrowBackend{name: "a"},
		&MockEscrowBackend{name: "b"},
	}, nil)
	assert.Equal(t, "multi:[mock:a,mock:b]", multi.LocationURI())
}
