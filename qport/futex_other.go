//go:build unix && !linux

package qport

import (
	"sync/atomic"
	"time"
)

// pollInterval is how often waiters re-check the doorbell without futexes.
const pollInterval = time.Millisecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
}

func futexWake(addr *uint32) {}
