// Package logging provides the small Logger interface every mesh component
// accepts through its options, plus the implementations used in practice:
//
//   - SlogAdapter wraps an existing *slog.Logger
//   - MeshLogger adds component, session and agent context and the domain
//     helpers for phase transitions, vote tallies, triggers and bus fallback
//   - NoOpLogger is the default when nothing is configured
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	co := consensus.New(b, func(o *consensus.Options) { o.Logger = logger })
//
// Components that receive a *MeshLogger narrow it with WithComponent; any
// other Logger is used as is.
package logging
