// Package routing implements the load-balancing strategies that pick one
// provider instance for a service, and rendezvous hashing for choosing an
// upstream broker.
//
// Strategies
//
// Every strategy keeps its own per-service candidate table. The registry calls
// OnAppRegistered and OnServiceUnregistered from inside its single write
// section; each call publishes a complete replacement table through an atomic
// pointer, so Route never takes a lock and always sees either the table before
// a mutation or the one after it.
//
// Available strategies, selected by name:
//
//	random                 uniform pick
//	weighted_random        cumulative weights searched with a random draw
//	round_robin            rotating counter modulo candidate count
//	weighted_round_robin   smooth weighted round-robin
//	consistent_hash        64 virtual nodes per instance, payload murmur3 hash
//	weighted_latency       latency/availability weight, power-of-two choices
//
// Strategies that learn from call outcomes also implement LoadReporter.
package routing
