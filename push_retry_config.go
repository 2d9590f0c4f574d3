package main

import (
	"os"
	"strconv"

	"bitbucket.org/gestiodev/gestion_backend/config"
	"bitbucket.org/gestiodev/gestion_backend/mirrorsync"
)

// applyPushRetryConfig overrides the dispatcher's retry tunables from the
// environment. Defaults are fine for interactive use; kiosk deployments on
// flaky links turn the backoff up.
func applyPushRetryConfig(d *mirrorsync.PushDispatcher) {
	if v := os.Getenv("PUSH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.MaxAttempts = n
		}
	}
	if v := os.Getenv("PUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.BatchSize = n
		}
	}
	d.PollInterval = config.DurationFromEnv("PUSH_POLL_INTERVAL", d.PollInterval)
	d.InitialBackoff = config.DurationFromEnv("PUSH_BASE_BACKOFF", d.InitialBackoff)
	d.MaxBackoff = config.DurationFromEnv("PUSH_MAX_BACKOFF", d.MaxBackoff)
	d.LockTimeout = config.DurationFromEnv("PUSH_LOCK_TIMEOUT", d.LockTimeout)
}
