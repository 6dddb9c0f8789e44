// Package dht implements the decentralized peer handle a collaborative
// training run is coordinated through. Every process starts one handle; the
// handles form a flat roster of symmetric peers with no distinguished root.
//
// # Core Components
//
// DHT: the handle itself. It serves a small HTTP API for joining the roster
// and replicating records, and optionally announces itself over UDP multicast
// so peers on the same segment find each other without explicit addresses.
//
// Records: expiring key/value entries replicated to every known peer on
// store. Matchmaking registrations, gradient payloads and progress reports
// all travel as records.
//
// # Addresses
//
// Listen addresses are multiaddrs. TCP entries carry the HTTP API; a UDP
// entry enables the multicast announcer. VisibleAddrs reports the externally
// reachable, non-loopback addresses other processes can bootstrap from.
package dht
