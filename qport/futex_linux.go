//go:build linux

package qport

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (not private) futex operations: the word lives in memory mapped by
// several processes.
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

// futexWait sleeps while *addr == val, at most for timeout. Spurious returns are
// fine; callers re-check the word.
func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	if atomic.LoadUint32(addr) != val {
		return
	}
	ts := unix.NsecToTimespec(int64(timeout))
	// EAGAIN (value changed), EINTR and ETIMEDOUT all mean "re-check".
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		_FUTEX_WAIT,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
}

// futexWake wakes every waiter on addr.
func futexWake(addr *uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		_FUTEX_WAKE,
		uintptr(^uint32(0)>>1),
		0,
		0,
		0,
	)
}
