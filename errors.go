package coursechat

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrNotJoined         = errors.New("select and join a channel first")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrServerUnreachable = errors.New("cannot reach server")
	ErrChannelLeft       = errors.New("channel was left before the join completed")
	ErrDisconnected      = errors.New("disconnected during handshake")
	ErrUnknownMessage    = errors.New("no such local message")
	ErrLoadCancelled     = errors.New("history load cancelled by channel switch")
)

// APIError represents an error returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// AuthError means the server rejected the credential. It is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication rejected: please sign in again"
	}
	return "authentication rejected: " + e.Reason + ": please sign in again"
}

// TransientConnectionError wraps a transport drop or handshake timeout.
type TransientConnectionError struct {
	Op  string
	Err error
}

func (e *TransientConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientConnectionError) Unwrap() error { return e.Err }

// ChannelAccessError means a join was refused for the channel.
type ChannelAccessError struct {
	ChannelID string
	Reason    string
}

func (e *ChannelAccessError) Error() string {
	return fmt.Sprintf("access to channel %s denied: %s", e.ChannelID, e.Reason)
}

// SendTimeoutError means no ack arrived before the deadline.
type SendTimeoutError struct {
	ChannelID string
	LocalID   string
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgement for message %s in channel %s", e.LocalID, e.ChannelID)
}

// SendRejectedError carries a negative ack.
type SendRejectedError struct {
	Reason string
}

func (e *SendRejectedError) Error() string {
	return "message rejected by server: " + e.Reason
}

// ProtocolError describes an event that could not be parsed or matched.
type ProtocolError struct {
	EventType string
	Detail    string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on %q: %s: %v", e.EventType, e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error on %q: %s", e.EventType, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsTransient reports whether err is worth retrying at the connection level.
func IsTransient(err error) bool {
	var target *TransientConnectionError
	return errors.As(err, &target)
}
