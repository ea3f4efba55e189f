package errors

import (
	stderrors "errors"
	"net/http"

	"voicebox/internal/core/domain"
)

// ErrCodeUsernameTaken and friends name the node error taxonomy on the API.
const (
	ErrCodeUsernameTaken        ErrorCode = "USERNAME_TAKEN"
	ErrCodeUserNotFound         ErrorCode = "USER_NOT_FOUND"
	ErrCodeConnectFailed        ErrorCode = "CONNECT_FAILED"
	ErrCodeConnectionLost       ErrorCode = "CONNECTION_LOST"
	ErrCodeDirectoryUnavailable ErrorCode = "DIRECTORY_UNAVAILABLE"
)

var domainMapping = []struct {
	target error
	code   ErrorCode
	status int
}{
	{domain.ErrUsernameTaken, ErrCodeUsernameTaken, http.StatusConflict},
	{domain.ErrUserNotFound, ErrCodeUserNotFound, http.StatusNotFound},
	{domain.ErrPeerNotConnected, ErrCodePeerNotConnected, http.StatusConflict},
	{domain.ErrConnectFailed, ErrCodeConnectFailed, http.StatusBadGateway},
	{domain.ErrConnectionLost, ErrCodeConnectionLost, http.StatusBadGateway},
	{domain.ErrDirectoryUnavailable, ErrCodeDirectoryUnavailable, http.StatusServiceUnavailable},
	{domain.ErrInvalidUsername, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidAddress, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidMessage, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrNodeClosed, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
}

// FromDomain maps a node error to an AppError. Errors outside the
// taxonomy become INTERNAL_ERROR. An AppError passes through unchanged.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMapping {
		if stderrors.Is(err, m.target) {
			return WrapError(err, m.code, err.Error(), m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
