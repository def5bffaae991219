// Package httpserver exposes the queue API over HTTP. Routes live in the
// controllers subpackage; this package owns the server lifecycle.
package httpserver
