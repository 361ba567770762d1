// Command relayq runs the relayq dispatch service.
//
// relayq accepts work items over an operations API, stores them durably in a
// priority queue, and dispatches them to downstream dependencies under
// circuit-breaker and rate-limiter protection with retry, backoff, and
// dead-lettering.
//
// Install:
//
//	go install github.com/nuetzliches/relayq/cmd/relayq@latest
//
// Usage:
//
//	relayq run [--store sqlite] [--db ./.data/relayq.db] [--dotenv ./.env]
package main
