// Package logx configures tzrecur's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy diagnostics rate limited (Logger.Limited)
package logx
