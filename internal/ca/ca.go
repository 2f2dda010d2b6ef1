// Package ca loads the long-lived MITM root certificate authority and mints
// short-lived leaf certificates for arbitrary hosts, with a self-signed
// degraded mode for when no CA private key is present, and leaf-shape
// invariants (IP SAN, EKU client+server auth, notBefore skew, CA-bounded
// notAfter) enforced on every mint.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// Sentinel errors returned by this package. None of them are retried at
// this layer — callers decide whether a failure is fatal (missing CA at
// startup) or per-host (mint/sign failure).
var (
	ErrCAKeyUnavailable = errors.New("ca: private key unavailable, degrading to self-signed leaves")
	ErrKeyGeneration    = errors.New("ca: leaf key generation failed")
	ErrSigning          = errors.New("ca: leaf signing failed")
)

const (
	defaultLeafValidity = 24 * time.Hour
	clockSkewTolerance  = 60 * time.Second
	leafKeyBits         = 2048
)

// LeafCertificate bundles an ordered DER chain (leaf first, CA last — just
// the leaf in self-signed mode), the leaf's private key, and its absolute
// expiry.
type LeafCertificate struct {
	ChainDER [][]byte
	Key      *rsa.PrivateKey
	NotAfter time.Time

	// Parsed is the leaf's parsed x509 form, kept for SAN/CN inspection and
	// assembly into a tls.Certificate without a redundant re-parse.
	Parsed *x509.Certificate
}

// TLSCertificate converts a LeafCertificate into the tls.Certificate shape
// the standard library's TLS server expects.
func (l *LeafCertificate) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: l.ChainDER,
		PrivateKey:  l.Key,
		Leaf:        l.Parsed,
	}
}

// CA holds the root certificate authority material. It is immutable once
// loaded and safe for concurrent use by any number of Mint callers.
type CA struct {
	cert         *x509.Certificate
	key          *rsa.PrivateKey // nil in degraded/self-signed mode
	leafValidity time.Duration
	org          string

	selfSigned bool
}

// Load reads the CA certificate and, if present, its private key from PEM
// files on disk. A missing key file degrades the CA to self-signed-leaf
// mode: Mint still succeeds, but leaves are not chained to any trust
// anchor a browser would recognize. Callers must log ErrCAKeyUnavailable
// themselves so the degradation is observable.
func Load(certPath, keyPath string, leafValidity time.Duration, org string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("ca: read cert file: %w", err)
	}
	certBlock, _ := decodePEMCertificate(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: no certificate PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock)
	if err != nil {
		return nil, fmt.Errorf("ca: parse cert: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("ca: %s is not a CA certificate (basicConstraints CA:FALSE)", certPath)
	}

	if leafValidity <= 0 {
		leafValidity = defaultLeafValidity
	}
	if org == "" {
		org = "MITM Forward Proxy"
	}

	c := &CA{cert: cert, leafValidity: leafValidity, org: org}

	if keyPath == "" {
		c.selfSigned = true
		return c, ErrCAKeyUnavailable
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.selfSigned = true
			return c, ErrCAKeyUnavailable
		}
		return nil, fmt.Errorf("ca: read key file: %w", err)
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("ca: parse key: %w", err)
	}
	c.key = key
	return c, nil
}

// SelfSigned reports whether the CA is operating in degraded, keyless mode.
func (c *CA) SelfSigned() bool { return c.selfSigned }

// Certificate exposes the parsed root certificate, e.g. for a CA pool used
// by the upstream client's trust configuration in tests.
func (c *CA) Certificate() *x509.Certificate { return c.cert }

// Mint generates a fresh leaf certificate for host (a DNS name or an IP
// literal), signed by the CA key when available, or self-signed in
// degraded mode. The SAN kind matches the host's shape, EKU carries
// server+client auth, notBefore tolerates clock skew, and notAfter never
// exceeds the CA's own expiry.
func (c *CA) Mint(host string) (*LeafCertificate, error) {
	if host == "" {
		return nil, fmt.Errorf("ca: mint: host must not be empty")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	notAfter := time.Now().Add(c.leafValidity)
	if notAfter.After(c.cert.NotAfter) {
		notAfter = c.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{c.org},
		},
		NotBefore:   time.Now().Add(-clockSkewTolerance),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	parent := template
	signingKey := any(leafKey) // self-signed: sign with the leaf's own key
	chain := [][]byte{}

	if !c.selfSigned && c.key != nil {
		parent = c.cert
		signingKey = c.key
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, parent, &leafKey.PublicKey, signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	parsed, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse minted leaf: %v", ErrSigning, err)
	}

	chain = append(chain, derBytes)
	if !c.selfSigned {
		chain = append(chain, c.cert.Raw)
	}

	return &LeafCertificate{
		ChainDER: chain,
		Key:      leafKey,
		NotAfter: notAfter,
		Parsed:   parsed,
	}, nil
}

func randomSerial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
