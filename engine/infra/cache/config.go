package cache

import "time"

// Mode selects the Redis backend.
const (
	ModeDistributed = "distributed"
	ModeEmbedded    = "embedded"
)

type Config struct {
	// Mode is "distributed" for an external server or "embedded" for an
	// in-process miniredis, used for single-node and local setups.
	Mode        string
	URL         string
	Host        string
	Port        string
	Password    string
	DB          int
	PoolSize    int
	TLSEnabled  bool
	DialTimeout time.Duration
	PingTimeout time.Duration
	// LockTTL bounds how long a crashed holder can keep a document locked.
	LockTTL time.Duration
}
