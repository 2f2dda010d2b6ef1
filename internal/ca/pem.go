package ca

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// decodePEMCertificate extracts the first CERTIFICATE block's DER bytes.
func decodePEMCertificate(data []byte) ([]byte, *pem.Block) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, nil
		}
		if block.Type == "CERTIFICATE" {
			return block.Bytes, block
		}
		data = rest
	}
}

// parsePrivateKeyPEM supports both PKCS#1 and PKCS#8 RSA private keys, the
// two formats openssl commonly produces (grounds laplaque's
// internal/mitm/cert.go LoadCA fallback logic).
func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported key encoding (tried PKCS1 and PKCS8): %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not RSA")
	}
	return rsaKey, nil
}
