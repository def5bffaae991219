// Package id generates lexicographically sortable 128-bit identifiers.
//
// superqueues uses these IDs to key job audit events in storage so that a
// plain prefix scan returns events in emission order.
package id
