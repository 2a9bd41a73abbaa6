package agent

import (
	"time"

	"github.com/geolake/geolake/internal/store/model"
)

type Config struct {
	Descriptor         model.WorkerDescriptor
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
	// StorageName is the storage recorded on the downloads this agent produces.
	StorageName string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 5 * time.Second
	}
	if c.StorageName == "" {
		c.StorageName = "local"
	}
	return c
}
