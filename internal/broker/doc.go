// Package broker adapts a push-based message broker to the pull-based
// queue API.
//
// The underlying broker only hands messages to active consumers, so the
// adapter runs one internal consumer per queue and parks every pushed
// message in a per-queue delivery registry. Pull picks unleased deliveries
// out of the registry; ack and nack resolve them against the broker
// through the original consumer channel. The registry is the adapter's
// single source of truth for in-flight deliveries and enforces that a
// delivery is leased by at most one caller at a time.
//
// Two implementations exist: AMQPBroker speaks AMQP 0.9.1 (RabbitMQ) and
// MemoryBroker is the in-process stand-in used by tests and the memory
// driver.
package broker
