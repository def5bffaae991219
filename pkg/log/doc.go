// Package log provides structured logging for superqueues services.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no global default logger. Fields are attached with the Field
// helpers (Str, Int, Err, ...) and rendered by a pluggable Formatter
// (JSON or text) into one or more Outputs.
package log
