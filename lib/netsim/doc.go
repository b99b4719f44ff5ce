// Package netsim runs a network of routers in one process.
//
// Every router runs the complete tunnel build subsystem. Routers exchange
// serialized build messages over an in-memory transport, look each other
// up in a shared network database and publish lease sets to a shared
// store. Links can be delayed, paced, held, duplicated or dropped, and
// single routers can be made to refuse transit work or run with a skewed
// clock.
package netsim
