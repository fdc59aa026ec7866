package config

import "sync/atomic"

var global atomic.Value

// Store installs c as the process-wide configuration.
func Store(c *Common) {
	global.Store(c)
}

// Load returns the current configuration. Panics if Store was never
// called: every entrypoint must load config before starting any
// background task.
func Load() *Common {
	return global.Load().(*Common)
}
