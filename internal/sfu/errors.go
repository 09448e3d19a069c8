package sfu

import "errors"

var (
	// ErrInvalidRequest covers malformed input: an empty room ID, a
	// non-offer description, or SDP that does not parse.
	ErrInvalidRequest = errors.New("invalid request")

	ErrRoomNotFound  = errors.New("room not found")
	ErrNoBroadcaster = errors.New("no broadcaster in room")
	ErrRoomFull      = errors.New("room is full")
)
