/*
Package metrics defines the broker's Prometheus instrumentation —
submission counts by status, provisioning/sidecar latencies, cleanup
queue depth — plus the /health, /ready and /live HTTP handlers used
by an external supervisor to decide restarts and traffic admission.
Handler() exposes the registry for scraping.
*/
package metrics
