package certcache

import (
	"crypto/rsa"
	"crypto/x509"
)

// Thin wrappers so remote.go's record <-> LeafCertificate conversion reads
// as domain vocabulary (marshal/parse a leaf key or cert) rather than
// scattering crypto/x509 calls inline.

func x509MarshalPKCS1(key *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(key)
}

func x509ParsePKCS1(der []byte) (*rsa.PrivateKey, error) {
	return x509.ParsePKCS1PrivateKey(der)
}

func x509ParseCertificate(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}
