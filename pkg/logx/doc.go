// Package logx is remindbot's structured logging on top of zerolog.
//
// Loggers are values; the zero Logger discards everything. A Logger made
// by a Service follows the Service's current sinks, so Service.Apply can
// change level, console output, the JSON log file and the operator alert
// chat while the bot runs.
package logx
