// Package tunnel keeps the local router's circuits and transit hops.
//
// # Overview
//
// This package handles:
//   - Circuit plans: the hops, keys and ids of one build attempt
//   - Transit hop state for circuits other routers build through us
//   - The in-memory dispatcher (Manager) those hops register with
//   - Per-peer and global throttles consulted by admission control
//   - Pools that decide how many circuits to build, and the two-phase
//     expiration queue and tester that retire them
//
// # Circuit Architecture
//
// Circuits are unidirectional paths through the network:
//   - Outbound circuits: Local → Hop1 → Hop2 → ... → Endpoint
//   - Inbound circuits: Gateway → Hop1 → Hop2 → ... → Local
//
// Hops are always listed gateway first. A zero-hop circuit consists of
// the local router only and is activated synchronously.
//
// # Transit Roles
//
// A router relaying for someone else acts in one of three roles:
//
//   - Participant: an intermediate hop.
//
//   - Inbound gateway: the first hop of someone's inbound circuit.
//
//   - Outbound endpoint: the last hop of someone's outbound circuit; it
//     turns a build request into the reply.
//
// # Thread Safety
//
// Manager, Pool, PoolManager, the throttles and ExpirationQueue are safe
// for concurrent use. A CircuitPlan has one writer per lifecycle stage;
// its state and test counters are atomic.
package tunnel
