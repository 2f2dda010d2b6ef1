package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestCAFiles(t *testing.T, withKey bool) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}

	dir := t.TempDir()
	certPath = filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}

	if !withKey {
		return certPath, ""
	}
	keyPath = filepath.Join(dir, "ca.key")
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write ca key: %v", err)
	}
	return certPath, keyPath
}

func TestMintDNSNameLeaf(t *testing.T) {
	certPath, keyPath := generateTestCAFiles(t, true)
	root, err := Load(certPath, keyPath, time.Hour, "Test Org")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	leaf, err := root.Mint("example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(leaf.Parsed.DNSNames) != 1 || leaf.Parsed.DNSNames[0] != "example.com" {
		t.Fatalf("expected dNSName SAN example.com, got %v / %v", leaf.Parsed.DNSNames, leaf.Parsed.IPAddresses)
	}
	if len(leaf.Parsed.IPAddresses) != 0 {
		t.Fatalf("did not expect iPAddress SAN for a DNS host")
	}
	if len(leaf.ChainDER) != 2 {
		t.Fatalf("expected leaf+CA chain, got %d entries", len(leaf.ChainDER))
	}
	if err := leaf.Parsed.CheckSignatureFrom(root.Certificate()); err != nil {
		t.Fatalf("leaf not signed by CA: %v", err)
	}
}

func TestMintIPLiteralLeaf(t *testing.T) {
	certPath, keyPath := generateTestCAFiles(t, true)
	root, err := Load(certPath, keyPath, time.Hour, "Test Org")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	leaf, err := root.Mint("10.0.0.5")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(leaf.Parsed.IPAddresses) != 1 {
		t.Fatalf("expected one iPAddress SAN, got %v", leaf.Parsed.IPAddresses)
	}
	if len(leaf.Parsed.DNSNames) != 0 {
		t.Fatalf("did not expect dNSName SAN for an IP literal")
	}
}

func TestMintLeafNotAfterBoundedByCA(t *testing.T) {
	certPath, keyPath := generateTestCAFiles(t, true)
	// leaf validity (100h) exceeds the CA's own 48h lifetime.
	root, err := Load(certPath, keyPath, 100*time.Hour, "Test Org")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	leaf, err := root.Mint("bounded.test")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if leaf.NotAfter.After(root.Certificate().NotAfter) {
		t.Fatalf("leaf notAfter %v exceeds CA notAfter %v", leaf.NotAfter, root.Certificate().NotAfter)
	}
}

func TestLoadDegradesToSelfSignedWithoutKey(t *testing.T) {
	certPath, _ := generateTestCAFiles(t, false)
	root, err := Load(certPath, "", time.Hour, "Test Org")
	if !errors.Is(err, ErrCAKeyUnavailable) {
		t.Fatalf("expected ErrCAKeyUnavailable, got %v", err)
	}
	if root == nil || !root.SelfSigned() {
		t.Fatalf("expected a usable self-signed CA despite the missing key")
	}
	leaf, err := root.Mint("degraded.test")
	if err != nil {
		t.Fatalf("mint in degraded mode: %v", err)
	}
	if len(leaf.ChainDER) != 1 {
		t.Fatalf("self-signed leaf should carry no CA chain entry, got %d", len(leaf.ChainDER))
	}
	if string(leaf.Parsed.RawIssuer) != string(leaf.Parsed.RawSubject) {
		t.Fatalf("expected self-signed leaf issuer to equal its own subject")
	}
}

func TestExtKeyUsageIncludesServerAuth(t *testing.T) {
	certPath, keyPath := generateTestCAFiles(t, true)
	root, err := Load(certPath, keyPath, time.Hour, "Test Org")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	leaf, err := root.Mint("eku.test")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	found := false
	for _, u := range leaf.Parsed.ExtKeyUsage {
		if u == x509.ExtKeyUsageServerAuth {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ExtKeyUsageServerAuth in %v", leaf.Parsed.ExtKeyUsage)
	}
}
