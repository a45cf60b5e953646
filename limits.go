package main

import "time"

// Operational defaults — named constants for values that would otherwise be
// scattered across flag declarations and component constructors.
const (
	// defaultAdminAddr is where the read-only admin HTTP surface listens
	// when -admin-addr is left at its default.
	defaultAdminAddr = ":8080"

	// defaultListenAddr is where the TAK TLS listener accepts inbound
	// client connections.
	defaultListenAddr = ":8089"

	// defaultRegistryPath is the SQLite database backing the
	// certificate-fingerprint registry.
	defaultRegistryPath = "omnitak-registry.db"

	// defaultCertValidity is the self-signed certificate lifetime used when
	// no external certificate material is configured.
	defaultCertValidity = 90 * 24 * time.Hour

	// metricsLogInterval is how often RunMetrics logs aggregate throughput.
	metricsLogInterval = 10 * time.Second
)
