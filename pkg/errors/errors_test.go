package errors

import (
	"errors"
	"net/http"
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

	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should find the cause through Unwrap")
	}

	errorMsg := err.Error()
	if !contains(errorMsg, "original error") {
		t.Errorf("Error() should contain cause, got: %v", errorMsg)
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("rung", "front-camera").WithContext("attempts", 4)

	if err.Context["rung"] != "front-camera" {
		t.Errorf("Context[rung] = %v, want 'front-camera'", err.Context["rung"])
	}
	if err.Context["attempts"] != 4 {
		t.Errorf("Context[attempts] = %v, want 4", err.Context["attempts"])
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	cases := []struct {
		name      string
		err       *AppError
		code      ErrorCode
		status    int
		retryable bool
	}{
		{"device", NewDeviceUnavailableError(errors.New("denied")), ErrCodeDeviceUnavailable, http.StatusServiceUnavailable, true},
		{"transport", NewTransportDownError(errors.New("eof")), ErrCodeTransportDown, http.StatusBadGateway, true},
		{"link", NewLinkLostError(errors.New("ice failed")), ErrCodeLinkLost, http.StatusBadGateway, true},
		{"logout", NewForceLogoutError(), ErrCodeForceLogout, http.StatusUnauthorized, false},
		{"input", NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest, false},
	}

	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("%s: Code = %v, want %v", tc.name, tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: HTTPStatus = %v, want %v", tc.name, tc.err.HTTPStatus, tc.status)
		}
		if tc.err.Retryable != tc.retryable {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, tc.err.Retryable, tc.retryable)
		}
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	regularErr := errors.New("regular error")

	if !IsAppError(appErr) {
		t.Error("IsAppError() should return true for AppError")
	}
	if IsAppError(regularErr) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	result := GetAppError(appErr)
	if result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	wrapped := WrapError(errors.New("cause"), ErrCodeInternal, "wrapped", 500)
	result = GetAppError(wrapped)
	if result == nil {
		t.Error("GetAppError() should extract AppError from wrapped error")
	}

	regularErr := errors.New("regular error")
	result = GetAppError(regularErr)
	if result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
