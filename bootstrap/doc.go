// Package bootstrap assembles a vigil process from its configuration: the SQLite store,
// the optional ClickHouse index, Redis and Kafka connections, the alert pipeline, the
// reconciliation loop and the HTTP API. cmd uses it for serve, reconcile and seed.
//
// A server runs NewApp, then Start, then WaitForShutdown followed by Shutdown. Tests and
// one-shot commands call Build with a config they already hold.
package bootstrap
