// Package logx configures signalbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller, colour only on a TTY)
//   - File output JSON-structured
//   - Optional Telegram sink for the operator log chat (min-level + rate limiting)
package logx
