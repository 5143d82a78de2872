package httpx

import (
	"errors"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without internal err",
			err:  NewAppError(http.StatusBadRequest, CodeParamMissing, "deployment_hash is required", nil),
			want: "code=2001, message=deployment_hash is required",
		},
		{
			name: "error with internal err",
			err:  NewAppError(http.StatusInternalServerError, CodeInternalError, "internal error", errors.New("claim failed")),
			want: "code=5001, message=internal error, err=claim failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructors_DefaultMessages(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"unauthorized", ErrUnauthorized(""), http.StatusUnauthorized, CodeUnauthorized, "unauthorized"},
		{"invalid token", ErrInvalidToken(""), http.StatusUnauthorized, CodeInvalidToken, "invalid token"},
		{"forbidden", ErrForbidden(""), http.StatusForbidden, CodeForbidden, "forbidden"},
		{"param missing", ErrParamMissing(""), http.StatusBadRequest, CodeParamMissing, "parameter missing"},
		{"not found", ErrNotFound(""), http.StatusNotFound, CodeNotFound, "resource not found"},
		{"conflict", ErrStateConflict(""), http.StatusConflict, CodeStateConflict, "current state does not allow operation"},
		{"external", ErrExternalError("", nil), http.StatusBadGateway, CodeExternalError, "external dependency failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("Expected HTTP status %d, got %d", tt.wantStatus, tt.err.HTTPStatus)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Expected code %d, got %d", tt.wantCode, tt.err.Code)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("Expected message %q, got %q", tt.wantMsg, tt.err.Message)
			}
		})
	}
}

func TestErrStoreUnavailable(t *testing.T) {
	cause := errors.New("vault sealed")
	err := ErrStoreUnavailable("", cause)

	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("Expected HTTP status %d, got %d", http.StatusServiceUnavailable, err.HTTPStatus)
	}
	if err.Code != CodeStoreUnavailable {
		t.Errorf("Expected code %d, got %d", CodeStoreUnavailable, err.Code)
	}
	data, ok := err.Data.(map[string]bool)
	if !ok || !data["retryable"] {
		t.Errorf("Expected retryable data, got %v", err.Data)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected AppError to unwrap to its cause")
	}
}
