package follower

import "errors"

var (
	// ErrStopped is returned once a Replica has been stopped.
	ErrStopped = errors.New("follower: replica stopped")

	// ErrRegistrationRejected means the leader declined the fetch-stream
	// registration (follower_id not in the current assignment).
	ErrRegistrationRejected = errors.New("follower: leader rejected fetch-stream registration")
)
