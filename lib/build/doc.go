// Package build runs the tunnel build pipeline of a router.
//
// The Executor decides how many build attempts may be in flight, turns
// pool demand into build messages and expires attempts whose reply never
// came. The Handler is the transport's entry point for build messages: it
// processes requests from other routers as a transit hop and matches
// replies against the PendingTable of attempts we originated.
package build

import "github.com/go-i2p/logger"

var log = logger.GetGoI2PLogger()
