package lockmanager

import "time"

// Option configures a Manager.
type Option func(*config)

type config struct {
	initTimeout time.Duration
}

func defaultConfig() config {
	return config{initTimeout: 30 * time.Second}
}

// WithInitTimeout bounds how long calls requiring store_id wait for
// InitStoreInfo to complete before giving up.
func WithInitTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.initTimeout = d
		}
	}
}
