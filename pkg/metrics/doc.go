/*
Package metrics exposes the cache's Prometheus instrumentation: partition
state gauges, transaction outcome counters, eviction activity, and
preloader progress, scraped over /metrics the same way this repository's
instrumentation always has (one global registry, MustRegister at package
init, promhttp.Handler for scraping).

# Core Components

Handler: the promhttp handler a node mounts at /metrics.

Timer: a small stopwatch helper for observing operation latency into a
histogram, used around pkg/txn, pkg/preloader and pkg/cache critical
paths.
*/
package metrics
