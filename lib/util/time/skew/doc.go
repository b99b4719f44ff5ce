// Package skew validates declared timestamps against a window around the
// local clock.
//
// Build requests carry their creation time at a coarse granularity (hours or
// minutes), so the comparison rounds the local time down to the same
// granularity before measuring age. A request older than MaxAge or further
// than MaxFuture ahead is a replay or a badly skewed peer.
package skew
