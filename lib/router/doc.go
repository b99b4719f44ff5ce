// Package router assembles the tunnel build subsystem of a router.
//
// Subsystem wires the build protocol handler, the build executor, the
// tunnel pools and the participating tunnel dispatcher to the collaborators
// the surrounding router provides: a transport, a network database, a
// source of known peers and optionally a lease set store.
//
// The package also carries the local state admission control consults:
//   - CongestionMonitor derives the advertised D/E/G flag from load
//   - BandwidthTracker measures throughput for the bandwidth budgets
//   - Profiles records how peers answer our build requests
//   - Banlist holds peers we refuse to work with
//
// # Usage Example
//
//	sub, err := router.New(config.CurrentConfig(), router.Options{
//	    Identity:  identity,
//	    Transport: transport,
//	    NetDB:     netdb,
//	    Peers:     peers,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sub.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sub.Close()
package router
