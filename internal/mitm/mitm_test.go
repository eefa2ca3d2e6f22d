package mitm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func newCA(t *testing.T) *CA {
	t.Helper()
	ca, err := GenerateCA()
	require.NoError(t, err)
	return ca
}

func verifyLeaf(t *testing.T, ca *CA, cert *tls.Certificate, host string) {
	t.Helper()
	require.Len(t, cert.Certificate, 2, "leaf + CA")
	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	_, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: host, Roots: pool})
	require.NoError(t, err)
}

func TestGenerateCA(t *testing.T) {
	ca := newCA(t)
	c := ca.Certificate
	assert.True(t, c.IsCA)
	assert.True(t, c.MaxPathLenZero)
	assert.Equal(t, caCommonName, c.Subject.CommonName)
	assert.NotZero(t, c.KeyUsage&x509.KeyUsageCertSign)
	assert.True(t, bytes.HasPrefix(ca.CertPEM(), []byte("-----BEGIN CERTIFICATE-----")))
}

func TestCertManagerIssues(t *testing.T) {
	ca := newCA(t)
	cm := NewCertManager(ca)

	cert, err := cm.GetCertificateForHost("Example.COM")
	require.NoError(t, err)
	verifyLeaf(t, ca, cert, "example.com")
	assert.Equal(t, []string{"example.com"}, cert.Leaf.DNSNames)

	again, err := cm.GetCertificateForHost("example.com")
	require.NoError(t, err)
	assert.Same(t, cert, again)

	hello, err := cm.GetCertificate(&tls.ClientHelloInfo{ServerName: "test.example.org"})
	require.NoError(t, err)
	verifyLeaf(t, ca, hello, "test.example.org")

	noSNI, err := cm.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, "localhost", noSNI.Leaf.Subject.CommonName)

	ip, err := cm.GetCertificateForHost("192.168.1.1")
	require.NoError(t, err)
	verifyLeaf(t, ca, ip, "192.168.1.1")
	assert.Empty(t, ip.Leaf.DNSNames)
}

func TestCertManagerRenewsExpiringLeaf(t *testing.T) {
	cm := NewCertManager(newCA(t))
	stale := &tls.Certificate{Leaf: &x509.Certificate{NotAfter: time.Now().Add(time.Minute)}}
	cm.cache.Add("example.com", stale)

	cert, err := cm.GetCertificateForHost("example.com")
	require.NoError(t, err)
	assert.NotSame(t, stale, cert)
}

func TestCertManagerConcurrentIssue(t *testing.T) {
	cm := NewCertManager(newCA(t))
	const n = 16
	certs := make([]*tls.Certificate, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := cm.GetCertificateForHost("busy.example.com")
			assert.NoError(t, err)
			certs[i] = cert
		}()
	}
	wg.Wait()
	for _, c := range certs[1:] {
		assert.Same(t, certs[0], c)
	}
}

func TestP12(t *testing.T) {
	ca := newCA(t)
	data, err := ca.EncodeP12("test-passphrase")
	require.NoError(t, err)

	loaded, err := DecodeP12(data, "test-passphrase")
	require.NoError(t, err)
	assert.True(t, loaded.Certificate.Equal(ca.Certificate))

	_, err = DecodeP12(data, "wrong")
	assert.Error(t, err)
}

func TestDecodeP12RejectsLeaf(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		Subject:   pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(time.Hour),
	}
	cert, err := sign(tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	data, err := pkcs12.Modern.Encode(key, cert, nil, "")
	require.NoError(t, err)

	_, err = DecodeP12(data, "")
	assert.ErrorContains(t, err, "not a signing CA")
}

func TestLoadOrGenerateCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca", "ca.p12")

	ca, err := LoadOrGenerateCA(path, "pw")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrGenerateCA(path, "pw")
	require.NoError(t, err)
	assert.True(t, again.Certificate.Equal(ca.Certificate), "saved CA is reused")

	_, err = LoadOrGenerateCA(path, "wrong")
	assert.Error(t, err, "a bad passphrase must not replace the CA")
}

func TestLoadCAFileBase64(t *testing.T) {
	ca := newCA(t)
	data, err := ca.EncodeP12("")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ca.p12.b64")
	require.NoError(t, os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(data)+"\n"), 0o600))

	loaded, err := LoadCAFile(path, "")
	require.NoError(t, err)
	assert.True(t, loaded.Certificate.Equal(ca.Certificate))
}

func TestMiddleManIntercept(t *testing.T) {
	ca := newCA(t)
	filter, err := NewHostnameFilter("*.example.com")
	require.NoError(t, err)
	mm := NewMiddleMan(NewCertManager(ca), filter, true)

	assert.True(t, mm.Allow("www.example.com", "443"))
	assert.False(t, mm.Allow("example.org", "443"))
	var nilMM *MiddleMan
	assert.False(t, nilMM.Allow("www.example.com", "443"))
	assert.True(t, mm.UpstreamTLSConfig().InsecureSkipVerify)
	assert.False(t, nilMM.UpstreamTLSConfig().InsecureSkipVerify)

	server, client := net.Pipe()
	defer client.Close()
	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	done := make(chan error, 1)
	go func() {
		done <- tls.Client(client, &tls.Config{ServerName: "www.example.com", RootCAs: pool}).Handshake()
	}()

	conn, err := mm.Intercept(server, nil, "www.example.com")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-done)
	assert.Equal(t, "www.example.com", conn.ConnectionState().ServerName)
}
