// Package observability provides BillClaw's structured logging and
// Prometheus metrics.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets before
// records reach the output. Relay API keys, bearer tokens and long hex
// secrets are replaced with [REDACTED], as are attributes whose key names a
// credential (api_key, token, secret, signature, ...). When LogConfig.File is
// set, records are additionally written to a size-rotated file:
//
//	logger, closer := observability.NewLogger(observability.LogConfig{
//	    Level:  "debug",
//	    Format: "text",
//	    File:   "/var/log/billclaw/billclaw.log",
//	})
//	defer closer.Close()
//
// # Metrics
//
// Metrics registers its collectors on the supplied prometheus.Registerer
// (or a private registry) and is safe to use through a nil pointer, so
// components may treat metrics as optional:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveProbe("direct", true, 42*time.Millisecond)
//	http.Handle("/metrics", metrics.Handler())
package observability
