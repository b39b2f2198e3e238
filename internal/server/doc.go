// Package server provides the HTTP monitoring and control API: health,
// statistics, configuration, live level and spectrum readings, runtime
// constraint updates, and Prometheus metrics.
package server
