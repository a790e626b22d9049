// Package ports defines the interfaces (ports) that connect the delivery
// core to infrastructure adapters.
//
// Ports are the boundaries between the engine and the outside world. They
// define what the core needs from external systems without specifying how
// those needs are fulfilled.
//
// # Port Interfaces
//
//   - [Transport]: Server-side outbound handle to one live connection
//   - [DurableStore]: Key/value + list store mirroring in-flight and queued
//     envelopes across process restarts
//
// The core packages (internal/registry, internal/pending, internal/delivery)
// depend only on these interfaces. Infrastructure adapters
// (internal/adapters) provide concrete implementations (websocket, Redis,
// in-memory).
package ports
