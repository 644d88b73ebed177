// Package logx wraps zerolog behind a small field-based API so call sites
// stay stable while sinks and levels are reconfigured at runtime.
package logx
