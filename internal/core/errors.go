package core

import "errors"

var (
	// ErrRoomUnavailable covers every way a room can fail to resolve: the
	// session does not exist, the room went stale, or creation did not
	// finish inside the bounded wait.
	ErrRoomUnavailable = errors.New("room unavailable")
)
