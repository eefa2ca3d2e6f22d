package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	certCacheSize = 1024
	// browsers reject leaves valid for more than 398 days
	leafValidity = 397 * 24 * time.Hour
	// leaves are reissued this long before they expire
	leafRenewBefore = time.Hour
)

// CertManager issues leaf certificates under the root CA. Recent leaves are
// cached and concurrent handshakes for one host share a single issuance.
type CertManager struct {
	ca     *CA
	cache  *lru.Cache[string, *tls.Certificate]
	flight singleflight.Group
}

func NewCertManager(ca *CA) *CertManager {
	cache, _ := lru.New[string, *tls.Certificate](certCacheSize)
	return &CertManager{ca: ca, cache: cache}
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = "localhost"
	}
	return cm.GetCertificateForHost(host)
}

func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)
	if cert, ok := cm.cache.Get(host); ok && time.Now().Add(leafRenewBefore).Before(cert.Leaf.NotAfter) {
		return cert, nil
	}
	v, err, _ := cm.flight.Do(host, func() (any, error) {
		cert, err := cm.issue(host)
		if err != nil {
			return nil, err
		}
		cm.cache.Add(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (cm *CertManager) issue(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: host, Organization: []string{organization}},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	leaf, err := sign(tmpl, cm.ca.Certificate, key.Public(), cm.ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("issue leaf for %s: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{leaf.Raw, cm.ca.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
