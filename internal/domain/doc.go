// Package domain contains the core domain entities and value objects for
// the delivery layer.
//
// This package represents the innermost layer of the architecture. It has
// no dependencies on infrastructure concerns (transport, storage, logging)
// and contains only pure business logic.
//
// # Entities
//
//   - [Envelope]: One schedulable unit of at-least-once delivery
//   - [Target]: Addressing of an emit call (connection id or principal id)
//
// Connection records live in internal/registry; they are runtime state
// rather than value objects and carry their own synchronization.
package domain
