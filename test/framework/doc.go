// Package framework spins up in-process cache clusters for end-to-end
// tests: real raft membership, real gRPC dispatch over loopback, one
// temp data directory per node. Tests drive the public Node API and the
// participant protocol directly, then assert on stores and topologies.
package framework
