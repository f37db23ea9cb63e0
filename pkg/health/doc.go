/*
Package health provides a TCP self-check and an HTTP health/readiness/metrics
surface for a running personality.

A Server dials the personality's own listen address to confirm it still
accepts connections, and reports that alongside the personality's registry
state on /health and /ready. /metrics exposes pkg/metrics's prometheus
handler on the same listener, so operators point one probe at one port
regardless of which personality is running.

	GET /health   liveness — 200 as long as the process can answer HTTP
	GET /ready    readiness — 200 only once the registry reports the
	              personality running AND a TCP dial to its own listener
	              succeeds; 503 otherwise
	GET /metrics  prometheus text exposition

Status tracks consecutive check failures/successes so a caller driving its
own polling loop (rather than the one-shot /ready handler) can apply a
failure-threshold instead of flapping on a single bad check.
*/
package health
