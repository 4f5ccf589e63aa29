// Package testutil contains fluent builders used across tests to reduce
// boilerplate when constructing bus messages and consensus sessions.
// They are not intended for production usage.
package testutil
