package follower

import "time"

// Config controls one follower replica's connection to its leader.
type Config struct {
	LeaderAddr    string
	FollowerID    int32
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	DialTimeout   time.Duration
	FetchMaxBytes int32
}

func DefaultConfig(leaderAddr string, followerID int32) Config {
	return Config{
		LeaderAddr:    leaderAddr,
		FollowerID:    followerID,
		MinBackoff:    100 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		BackoffFactor: 2,
		DialTimeout:   5 * time.Second,
		FetchMaxBytes: 1 << 20,
	}
}
