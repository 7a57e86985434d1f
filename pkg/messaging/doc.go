// Package messaging holds the eventsourcing.EventBus implementations.
//
// memory delivers synchronously inside the dispatching goroutine and is what
// the command handlers use in tests and single-process deployments. nats
// publishes to a JetStream stream so projections in other processes receive
// events at least once.
package messaging
