package domain

import "errors"

var (
	ErrChannelDown     = errors.New("signaling channel is down")
	ErrChannelClosed   = errors.New("signaling channel is closed")
	ErrPeerClosed      = errors.New("peer link is closed")
	ErrMediaReleased   = errors.New("media handle released")
	ErrChatUnavailable = errors.New("chat data channel not open")
	ErrSessionStopped  = errors.New("session stopped")
	ErrLoggedOut       = errors.New("session invalidated by forced logout")
)
