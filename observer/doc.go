// Package observer defines the hooks the bus calls around sending,
// publishing, receiving and consuming messages and around its own start and
// stop. Logger reports them through log/slog; package prom exports them as
// Prometheus metrics.
package observer
