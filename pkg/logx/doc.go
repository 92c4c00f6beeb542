// Package logx is tgnotify's structured logging on top of zerolog.
//
// A Service owns the outputs: a readable console writer, a JSON log file and
// an optional Telegram chat that receives warnings and errors as plain text
// through the live bot session. Loggers handed out by the Service follow
// every Apply, so a config reload changes levels and outputs in place.
//
// Tokens are never logged verbatim; callers pass redacted prefixes.
package logx
