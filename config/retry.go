package config

import "time"

const maxConnectBackoff = 30 * time.Second

// connectBackoff is the wait after a failed connect attempt: 2^attempt seconds, at most 30s.
func connectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return maxConnectBackoff
	}
	return min(time.Second*time.Duration(1<<attempt), maxConnectBackoff)
}
