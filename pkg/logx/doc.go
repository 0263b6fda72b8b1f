// Package logx is laterbot's structured logger, a thin layer over zerolog.
//
// Loggers carry pre-bound fields and are cheap to copy. Loggers obtained from
// a Service follow Service.Apply, so hot-reloaded levels and sinks take effect
// without rebuilding component loggers.
//
// Sinks: a console writer with a short caller, an optional JSON file, and an
// optional Telegram chat that receives warnings through a rate-limited,
// non-blocking queue.
package logx
