package cache

import "time"

const (
	DefaultSweepInterval = time.Minute
	DefaultTTL           = 5 * time.Minute
)

// TTLs shared by tests: one that lapses within a test, one that never does.
const (
	TestShortTTL = 30 * time.Millisecond
	TestLongTTL  = 10 * time.Minute
)
