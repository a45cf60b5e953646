package main

import (
	"crypto/tls"
	"strings"
	"time"

	"omnitak/certutil"
)

// generateTLSConfig creates a self-signed TLS certificate for the listener,
// deriving its Common Name and DNS SANs from the daemon's own configured
// addresses rather than a bare hostname flag: the TAK listen address and
// the admin HTTP address are both included whenever they name a host (not
// just a bare port), so a peer connecting to either one finds its name on
// the certificate. Returns the tls.Config, the SHA-256 fingerprint of the
// certificate (for operators to pin or compare against the registry), and
// any error. validity controls how long the certificate is valid for.
func generateTLSConfig(validity time.Duration, hostname string, extraAddrs ...string) (*tls.Config, string, error) {
	cn := hostname
	if cn == "" {
		cn = "omnitak"
	}

	sans := []string{cn}
	for _, addr := range extraAddrs {
		if host := addrHost(addr); host != "" {
			sans = append(sans, host)
		}
	}

	return certutil.GenerateSelfSigned(certutil.SelfSignedConfig{
		CommonName: cn,
		DNSNames:   dedupNames(sans),
		Validity:   validity,
	})
}

// addrHost extracts the host portion of a "host:port" listen address,
// skipping addresses with no usable hostname (e.g. ":8089", "0.0.0.0:8089").
func addrHost(addr string) string {
	host := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		host = addr[:idx]
	}
	switch host {
	case "", "0.0.0.0", "::":
		return ""
	}
	return host
}

func dedupNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
