// Package integration holds end-to-end relay tests that run against real
// Postgres and Kafka containers. Run them with -tags integration.
package integration
