// Package leader tracks ledger-recorded cluster leadership for the local node.
//
// Monitor polls the cluster contract on a fixed period. When the ledger names
// this node it becomes Leader. Otherwise it is a Follower, probes the claimed
// leader's health endpoint and casts a confidence or no-confidence vote based
// on the result. The resulting LeaderState is published as one immutable
// snapshot per tick and is read by request handlers through GetLeaderState.
//
// Peer health endpoints are resolved through a PeerDirectory: a static
// address-to-URL map, DNS SRV records, or both.
package leader
