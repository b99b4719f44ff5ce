// Package monotonic provides the clock the tunnel build subsystem reads.
//
// Scheduling decisions (attempt expiration, grace windows, throttle resets)
// compare times captured by the same Source inside one process, so Go's
// monotonic reading keeps them immune to wall clock jumps. The wall clock
// part, corrected by an NTP-style offset, is what goes on the wire.
//
// Manual is a Source that only moves when told to, for tests that need to
// cross an expiration or a grace window without sleeping.
package monotonic
