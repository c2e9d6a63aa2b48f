// Package defs holds the error taxonomy and small identifier types shared
// across the memory-management core, mirroring the way the original
// kernel's defs package centralizes Err_t and Tid_t for every other package.
package defs

import "fmt"

/// Err_t is a signed errno-like result. Zero means success; a negative
/// value names a taxonomy member from §7 (OutOfMemory / Invalid /
/// Busy-Retry / SegFault-BusError). Fatal conditions never flow through
/// Err_t -- they panic, since the spec treats them as unrecoverable.
type Err_t int

const (
	/// EFAULT: fault resolution deterministically impossible (out of
	/// object bounds, unreadable backing, guard page).
	EFAULT Err_t = 14
	/// ENOMEM: no zone/cache could satisfy the request, even after reclaim.
	ENOMEM Err_t = 12
	/// EINVAL: misaligned address, bad flags, or other invalid argument.
	EINVAL Err_t = 22
	/// EAGAIN: transient condition, always safe to retry (speculative
	/// fault contention, CAS tid mismatch, lock-acquire backoff).
	EAGAIN Err_t = 11
	/// ENAMETOOLONG: a user string exceeded the caller-supplied bound.
	ENAMETOOLONG Err_t = 36
	/// ENOHEAP: a bounded retry loop exhausted its resource budget.
	/// Distinct from ENOMEM: the allocator itself may
	/// still have room, but this call's admission budget ran out.
	ENOHEAP Err_t = 90
	/// EBUSY: a trylock or bounded CAS loop failed to make progress.
	EBUSY Err_t = 16
)

/// Error implements the error interface so Err_t composes with ordinary
/// Go error handling at the module's outer edges.
func (e Err_t) Error() string {
	switch e {
	case 0:
		return "success"
	case EFAULT:
		return "bad address"
	case ENOMEM:
		return "out of memory"
	case EINVAL:
		return "invalid argument"
	case EAGAIN:
		return "resource temporarily unavailable"
	case ENAMETOOLONG:
		return "name too long"
	case ENOHEAP:
		return "retry budget exhausted"
	case EBUSY:
		return "device or resource busy"
	default:
		return fmt.Sprintf("errno %d", int(e))
	}
}

/// Retryable reports whether callers may safely retry the operation that
/// produced e -- the Busy/Retry category of §7.
func (e Err_t) Retryable() bool {
	return e == EAGAIN || e == EBUSY || e == ENOHEAP
}

/// Tid_t identifies the thread servicing a fault or syscall. The core
/// never creates or schedules threads itself; Tid_t is an opaque token
/// supplied by the collaborator scheduler.
type Tid_t int

/// FatalError panics with a descriptive message. It is invoked only for
/// genuine invariant violations (double-free, poison/redzone corruption,
/// page-state conflicts) -- conditions §7 says are not recoverable and
/// for which no cleanup is attempted.
func FatalError(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
