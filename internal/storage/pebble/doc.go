// Package pebblestore wraps a Pebble database with a small helper surface
// and an explicit fsync policy. It backs the durable document stores of
// superqueues: the job audit trail, API credentials, and settings.
package pebblestore
