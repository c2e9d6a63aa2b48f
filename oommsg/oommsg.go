// Package oommsg is the last-resort out-of-memory notification rendezvous
// (§4.A point 6, §5 scenario 6): the allocator's direct-reclaim path sends
// on OomCh once every shrinker has stopped making progress, and blocks on
// the reply's Resume channel so an out-of-band OOM killer gets one chance
// to free Need pages before the allocation is finally failed. With nothing
// listening on OomCh the send is skipped entirely, so the allocator's
// behavior is unchanged when no killer is registered.
package oommsg

/// OomCh carries one Oommsg_t per allocation that survived direct reclaim
/// with every shrinker reporting no progress.
var OomCh chan Oommsg_t = make(chan Oommsg_t)

/// Oommsg_t is sent on OomCh when memory is exhausted. Need is the number
/// of pages the stalled allocation still requires; the receiver must send
/// on Resume once it has either freed enough memory to retry (true) or
/// given up (false).
type Oommsg_t struct {
	Need   int
	Resume chan bool
}
