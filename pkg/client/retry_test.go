package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// fastRetry keeps the per class attempt counts but uses millisecond backoffs.
func fastRetry(class ErrorClass) RetryConfig {
	rc := RetryConfigForErrorClass(class)
	rc.InitialBackoff = time.Millisecond
	rc.MaxBackoff = 4 * time.Millisecond
	return rc
}

func classifyAs(class ErrorClass) func(error) ErrorClass {
	return func(error) ErrorClass { return class }
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 5, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.InitialBackoff)
	assert.Equal(t, 30*time.Second, config.MaxBackoff)
	assert.InDelta(t, 2.0, config.BackoffMultiplier, 0)
}

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name             string
		errorClass       ErrorClass
		expectedInitial  time.Duration
		expectedMax      time.Duration
		expectedAttempts int
	}{
		{
			name:             "server error config",
			errorClass:       ErrorClassServer,
			expectedInitial:  1 * time.Second,
			expectedMax:      10 * time.Second,
			expectedAttempts: 5,
		},
		{
			name:             "rate limit config",
			errorClass:       ErrorClassRateLimit,
			expectedInitial:  2 * time.Second,
			expectedMax:      60 * time.Second,
			expectedAttempts: 8,
		},
		{
			name:             "network error config",
			errorClass:       ErrorClassNetwork,
			expectedInitial:  2 * time.Second,
			expectedMax:      30 * time.Second,
			expectedAttempts: 5,
		},
		{
			name:             "unknown error class uses default",
			errorClass:       "",
			expectedInitial:  1 * time.Second,
			expectedMax:      30 * time.Second,
			expectedAttempts: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(tt.errorClass)

			assert.Equal(t, tt.expectedInitial, config.InitialBackoff)
			assert.Equal(t, tt.expectedMax, config.MaxBackoff)
			assert.Equal(t, tt.expectedAttempts, config.MaxAttempts)
		})
	}
}

func TestRetryWithBackoff_SuccessFirstAttempt(t *testing.T) {
	callCount := 0
	fn := func() error {
		callCount++
		return nil
	}

	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, fn, classifyAs(ErrorClassServer))
	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	fn := func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	}

	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, fn, classifyAs(ErrorClassServer))
	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	testErr := errors.New("persistent error")
	fn := func() error {
		callCount++
		return testErr
	}

	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, fn, classifyAs(ErrorClassServer))
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, testErr, "expected wrapped original error")
	assert.Equal(t, 5, callCount, "expected MaxAttempts calls")
}

func TestRetryWithBackoff_ClientErrorNoRetry(t *testing.T) {
	callCount := 0
	testErr := errors.New("client error")
	fn := func() error {
		callCount++
		return testErr
	}

	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, fn, classifyAs(ErrorClassClient))
	assert.Equal(t, 1, callCount, "no retry for client errors")
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, testErr)
}

func TestRetryWithBackoff_ClassChangesMidway(t *testing.T) {
	callCount := 0
	serverErr := &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}
	clientErr := &APIError{StatusCode: 404, ErrorClass: ErrorClassClient}
	fn := func() error {
		callCount++
		if callCount < 3 {
			return serverErr
		}
		return clientErr
	}

	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, fn, classifyError)
	assert.ErrorIs(t, err, clientErr)
	assert.Equal(t, 3, callCount)
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	fn := func() error {
		callCount++
		if callCount == 1 {
			cancel()
		}
		return errors.New("server error")
	}

	slow := func(class ErrorClass) RetryConfig {
		rc := RetryConfigForErrorClass(class)
		rc.InitialBackoff = time.Minute
		return rc
	}

	err := retryWithBackoff(ctx, zerolog.Nop(), slow, fn, classifyAs(ErrorClassServer))
	assert.ErrorIs(t, err, ErrContextCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
}
