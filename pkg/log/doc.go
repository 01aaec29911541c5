/*
Package log provides structured logging for the Observation Execution Tool
using zerolog: a global logger configured once via Init, and component-
scoped child loggers (WithComponent, WithPid, WithAid, WithEnvID) that
attach the right correlation field without repeating it at every call site.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	busLog := log.WithComponent("bus")
	busLog.Warn().Str("topic", topic).Msg("handler panicked")
*/
package log
