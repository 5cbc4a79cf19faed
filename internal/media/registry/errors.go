package registry

import "errors"

var (
	// ErrCapacity is returned when the room cap is reached.
	ErrCapacity = errors.New("room capacity exhausted")

	// ErrRoomNotFound is returned for operations on an unknown or
	// already-destroyed room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull is returned when a viewer joins a room at its
	// viewer cap.
	ErrRoomFull = errors.New("room is full")

	// ErrHostPresent is returned when a host joins a room that
	// already has one.
	ErrHostPresent = errors.New("room already has a host")

	// ErrPeerNotFound is returned for operations on an unknown or
	// already-removed peer.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrAlreadyConsuming is returned when a viewer asks to consume
	// a producer it already consumes.
	ErrAlreadyConsuming = errors.New("already consuming producer")

	// ErrTransportExists is returned when a transport is attached to
	// a direction that already has one.
	ErrTransportExists = errors.New("transport already attached")
)
