package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see the wrapped cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, 400},
		{NewNotFoundError("user"), ErrCodeNotFound, 404},
		{NewUnauthorizedError("no"), ErrCodeUnauthorized, 401},
		{NewConflictError("taken"), ErrCodeConflict, 409},
		{NewRateLimitError(), ErrCodeRateLimit, 429},
		{NewInternalError("boom"), ErrCodeInternal, 500},
		{NewServiceUnavailableError("down"), ErrCodeServiceUnavailable, 503},
		{NewBadGatewayError("dial"), ErrCodeBadGateway, 502},
		{NewPeerNotConnectedError("10.0.0.1:9000"), ErrCodePeerNotConnected, 409},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: HTTPStatus = %v, want %v", tc.code, tc.err.HTTPStatus, tc.status)
		}
	}

	if msg := NewNotFoundError("user").Message; msg != "user not found" {
		t.Errorf("Message = %q", msg)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("user")
	wrapped := fmt.Errorf("lookup: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("GetAppError() should return nil for non-app errors")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should return nil")
	}
	if !IsAppError(appErr) || IsAppError(wrapped) {
		t.Error("IsAppError only matches the direct type")
	}
}
