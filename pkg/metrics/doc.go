/*
Package metrics defines and registers robocurse's Prometheus metrics:
run outcomes, chunk status gauges, bytes/files copied counters, circuit
breaker trips, snapshot operations, and the tick/chunk/checkpoint timing
histograms. Handler exposes the registry over HTTP for scraping; Timer
is a small helper for recording operation duration into a histogram.
*/
package metrics
