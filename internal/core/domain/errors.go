package domain

import "errors"

var (
	ErrUsernameTaken        = errors.New("username taken")
	ErrUserNotFound         = errors.New("user not found")
	ErrConnectFailed        = errors.New("connect failed")
	ErrConnectionLost       = errors.New("connection lost")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	ErrPeerNotConnected     = errors.New("peer not connected")

	ErrKeyNotFound      = errors.New("key not found")
	ErrConnectionClosed = errors.New("connection closed")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrCaptureRunning   = errors.New("capture already running")
	ErrNodeClosed       = errors.New("node closed")
)
