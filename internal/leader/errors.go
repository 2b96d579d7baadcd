package leader

import "errors"

var (
	ErrReplicaStopped         = errors.New("leader: replica controller stopped")
	ErrInvalidFollowerOffsets = errors.New("leader: follower hw exceeds leo")
	ErrFollowerNotAssigned    = errors.New("leader: follower is not part of this replica's assignment")
)
