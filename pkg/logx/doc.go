// Package logx configures telly's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) and file output JSON-structured.
// An optional alert sink forwards warnings and errors to an HTTP webhook,
// filtered by level and rate limited.
package logx
