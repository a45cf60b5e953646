// Package certutil loads TLS client material from any of the CertSource
// variants a ClientEndpoint may be configured with — file paths, in-memory
// base64 blobs, or a pre-parsed bundle — and resolves PKCS#12 and
// filename-heuristic ZIP archives into a canonical CertificateBundle
// (spec §4.3).
package certutil

import (
	"archive/zip"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// CertificateBundle is the canonical, already-decoded form every CertSource
// variant is resolved to: DER-encoded leaf certificates, the matching
// private key, and an optional CA chain.
type CertificateBundle struct {
	Certs      [][]byte // leaf + intermediates, DER
	PrivateKey []byte   // DER, PKCS#8 or SEC1
	CACerts    [][]byte // DER
}

// FilePaths is CertSource variant 1: cert/key/CA material on disk as PEM.
type FilePaths struct {
	CertPath string
	KeyPath  string
	CAPath   string // optional
}

// InMemory is CertSource variant 2: base64-encoded blobs, optionally a
// PKCS#12 bundle instead of separate cert/key.
type InMemory struct {
	CertB64        string
	KeyB64         string
	CAB64          string // optional
	PKCS12B64      string // optional, mutually exclusive with CertB64/KeyB64
	PKCS12Password string
}

// CertSource is the tagged union ClientEndpoint configuration accepts for
// TLS material (spec §4.3). Exactly one field should be set.
type CertSource struct {
	Files  *FilePaths
	Memory *InMemory
	Bundle *CertificateBundle // variant 3: pre-parsed
}

// Load resolves src to a CertificateBundle, dispatching on which variant is
// populated.
func Load(src CertSource) (CertificateBundle, error) {
	switch {
	case src.Bundle != nil:
		return *src.Bundle, nil
	case src.Files != nil:
		return loadFiles(*src.Files)
	case src.Memory != nil:
		return loadMemory(*src.Memory)
	default:
		return CertificateBundle{}, fmt.Errorf("certutil: CertSource has no populated variant")
	}
}

func loadFiles(f FilePaths) (CertificateBundle, error) {
	certPEM, err := os.ReadFile(f.CertPath)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: read cert file: %w", err)
	}
	keyPEM, err := os.ReadFile(f.KeyPath)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: read key file: %w", err)
	}
	var caPEM []byte
	if f.CAPath != "" {
		caPEM, err = os.ReadFile(f.CAPath)
		if err != nil {
			return CertificateBundle{}, fmt.Errorf("certutil: read CA file: %w", err)
		}
	}

	bundle := CertificateBundle{
		Certs:      decodePEMBlocks(certPEM, "CERTIFICATE"),
		PrivateKey: firstPEMBlock(keyPEM),
	}
	if caPEM != nil {
		bundle.CACerts = decodePEMBlocks(caPEM, "CERTIFICATE")
	}
	if len(bundle.Certs) == 0 {
		return CertificateBundle{}, fmt.Errorf("certutil: no certificate blocks found in %s", f.CertPath)
	}
	if bundle.PrivateKey == nil {
		return CertificateBundle{}, fmt.Errorf("certutil: no private key block found in %s", f.KeyPath)
	}
	return bundle, nil
}

func loadMemory(m InMemory) (CertificateBundle, error) {
	if m.PKCS12B64 != "" {
		raw, err := base64.StdEncoding.DecodeString(m.PKCS12B64)
		if err != nil {
			return CertificateBundle{}, fmt.Errorf("certutil: decode PKCS#12 base64: %w", err)
		}
		return loadPKCS12(raw, m.PKCS12Password)
	}

	certRaw, err := base64.StdEncoding.DecodeString(m.CertB64)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: decode cert base64: %w", err)
	}
	keyRaw, err := base64.StdEncoding.DecodeString(m.KeyB64)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: decode key base64: %w", err)
	}

	bundle := CertificateBundle{
		Certs:      decodePEMBlocks(certRaw, "CERTIFICATE"),
		PrivateKey: firstPEMBlock(keyRaw),
	}
	if m.CAB64 != "" {
		caRaw, err := base64.StdEncoding.DecodeString(m.CAB64)
		if err != nil {
			return CertificateBundle{}, fmt.Errorf("certutil: decode CA base64: %w", err)
		}
		bundle.CACerts = decodePEMBlocks(caRaw, "CERTIFICATE")
	}
	if len(bundle.Certs) == 0 || bundle.PrivateKey == nil {
		return CertificateBundle{}, fmt.Errorf("certutil: in-memory cert/key blobs did not decode to PEM blocks")
	}
	return bundle, nil
}

// loadPKCS12 decodes a .p12/.pfx blob via golang.org/x/crypto/pkcs12.
func loadPKCS12(raw []byte, password string) (CertificateBundle, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(raw, password)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: decode PKCS#12: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: marshal PKCS#12 private key: %w", err)
	}
	bundle := CertificateBundle{
		Certs:      [][]byte{cert.Raw},
		PrivateKey: keyDER,
	}
	for _, c := range caCerts {
		bundle.CACerts = append(bundle.CACerts, c.Raw)
	}
	return bundle, nil
}

// LoadZIP classifies a ZIP archive's entries by filename heuristic per
// spec §4.3: "ca"/"truststore"/"root" → CA, "*-key"/"*.key" → private key,
// "admin"/"client"/"user" → client cert, ".p12"/".pfx" → PKCS#12 bundle
// (password supplied separately, since ZIP filenames never carry one).
func LoadZIP(r io.ReaderAt, size int64, pkcs12Password string) (CertificateBundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("certutil: open zip: %w", err)
	}

	var bundle CertificateBundle
	for _, f := range zr.File {
		lower := strings.ToLower(f.Name)
		stem := lower
		if i := strings.LastIndex(lower, "."); i >= 0 {
			stem = lower[:i]
		}
		switch {
		case strings.HasSuffix(lower, ".p12") || strings.HasSuffix(lower, ".pfx"):
			raw, err := readZIPEntry(f)
			if err != nil {
				return CertificateBundle{}, err
			}
			p12Bundle, err := loadPKCS12(raw, pkcs12Password)
			if err != nil {
				return CertificateBundle{}, err
			}
			bundle.Certs = append(bundle.Certs, p12Bundle.Certs...)
			bundle.PrivateKey = p12Bundle.PrivateKey
			bundle.CACerts = append(bundle.CACerts, p12Bundle.CACerts...)
		case strings.Contains(lower, "ca") || strings.Contains(lower, "truststore") || strings.Contains(lower, "root"):
			raw, err := readZIPEntry(f)
			if err != nil {
				return CertificateBundle{}, err
			}
			bundle.CACerts = append(bundle.CACerts, decodePEMBlocks(raw, "CERTIFICATE")...)
		case strings.HasSuffix(stem, "-key") || strings.HasSuffix(lower, ".key"):
			raw, err := readZIPEntry(f)
			if err != nil {
				return CertificateBundle{}, err
			}
			bundle.PrivateKey = firstPEMBlock(raw)
		case strings.Contains(lower, "admin") || strings.Contains(lower, "client") || strings.Contains(lower, "user"):
			raw, err := readZIPEntry(f)
			if err != nil {
				return CertificateBundle{}, err
			}
			bundle.Certs = append(bundle.Certs, decodePEMBlocks(raw, "CERTIFICATE")...)
		}
	}

	if len(bundle.Certs) == 0 || bundle.PrivateKey == nil {
		return CertificateBundle{}, fmt.Errorf("certutil: zip archive did not yield both a client cert and a private key")
	}
	return bundle, nil
}

func readZIPEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("certutil: open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("certutil: read zip entry %s: %w", f.Name, err)
	}
	return data, nil
}

func decodePEMBlocks(data []byte, blockType string) [][]byte {
	var out [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == blockType {
			out = append(out, block.Bytes)
		}
	}
	return out
}

func firstPEMBlock(data []byte) []byte {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil
	}
	return block.Bytes
}

// BuildTLSConfig derives a *tls.Config from bundle suitable for a
// ClientEndpoint's handshake: the client certificate chain plus key, and a
// trust root pool from CACerts if present (falling back to the system
// roots otherwise), with serverName used for SNI.
func BuildTLSConfig(bundle CertificateBundle, serverName string) (*tls.Config, error) {
	var rawCerts [][]byte
	rawCerts = append(rawCerts, bundle.Certs...)

	tlsCert := tls.Certificate{Certificate: rawCerts}
	key, err := parsePrivateKey(bundle.PrivateKey)
	if err != nil {
		return nil, err
	}
	tlsCert.PrivateKey = key

	cfg := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		ServerName:   serverName,
	}

	if len(bundle.CACerts) > 0 {
		pool := x509.NewCertPool()
		for _, der := range bundle.CACerts {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("certutil: parse CA certificate: %w", err)
			}
			pool.AddCert(cert)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("certutil: private key is not PKCS#8, SEC1, or PKCS#1 DER")
}

// DeriveSNI returns the configured serverName if non-empty, else the host
// portion of addr (no port), matching §4.3's "explicitly configured or
// derived from the connection host string".
func DeriveSNI(configured, addr string) string {
	if configured != "" {
		return configured
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

// SelfSignedConfig parameterizes an ad hoc listener certificate: no CA, no
// enrollment, just a key pair the Listener can present immediately and that
// the fingerprint registry can later pin. The daemon derives CommonName and
// DNSNames from its hostname flag plus the hosts of its listen and admin
// addresses, so the SAN list reflects what peers will actually dial rather
// than a fixed placeholder.
type SelfSignedConfig struct {
	CommonName string
	DNSNames   []string // deduplicated by the caller; "localhost" is appended if absent
	Validity   time.Duration
}

// GenerateSelfSigned produces an ECDSA P-256 self-signed certificate
// matching cfg and returns a server-ready *tls.Config alongside the
// certificate's SHA-256 fingerprint (hex-encoded, for the fingerprint
// registry to pin or compare against). The certificate is also valid as a
// CA, letting a single cert serve both the listener's server identity and,
// if ever reused as a root, a private trust anchor.
func GenerateSelfSigned(cfg SelfSignedConfig) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("certutil: generate self-signed key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("certutil: generate self-signed serial: %w", err)
	}

	sans := cfg.DNSNames
	if !containsName(sans, "localhost") {
		sans = append(sans, "localhost")
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cfg.CommonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(cfg.Validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("certutil: create self-signed certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("certutil: parse self-signed certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        cert,
		}},
	}
	return tlsConfig, fingerprint, nil
}

func containsName(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}
