// Package logx wraps zerolog behind a small Logger/Field API.
//
// The Service owns the configured sinks (console, optional file) and can be
// re-configured at runtime via Apply(); Loggers created from the Service stay
// live across reconfiguration. The zero Logger value is a safe no-op, which
// keeps constructors tolerant of missing loggers.
package logx
