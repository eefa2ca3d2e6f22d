package mitm

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

const caCommonName = "ruleproxy Root CA"

type CA struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	clockSkew    = 24 * time.Hour
	serialBits   = 128
	organization = "ruleproxy"
)

// GenerateCA creates a self-signed P-256 root that may sign leaves only.
func GenerateCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: caCommonName, Organization: []string{organization}},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	cert, err := sign(tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// sign issues tmpl under parent with a fresh serial.
func sign(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialBits))
	if err != nil {
		return nil, fmt.Errorf("serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// LoadCAFile reads a PKCS#12 bundle, raw or base64 encoded.
func LoadCAFile(path, passphrase string) (*CA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read PKCS#12: %w", err)
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data))); err == nil {
		data = decoded
	}
	return DecodeP12(data, passphrase)
}

// LoadOrGenerateCA loads the CA at path, generating and saving a new one when
// the file does not exist.
func LoadOrGenerateCA(path, passphrase string) (*CA, error) {
	ca, err := LoadCAFile(path, passphrase)
	if err == nil {
		return ca, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	ca, err = GenerateCA()
	if err != nil {
		return nil, err
	}
	if err := ca.SaveP12(path, passphrase); err != nil {
		return nil, err
	}
	slog.Info("MitM: generated root CA", slog.String("path", path))
	return ca, nil
}

// DecodeP12 extracts the CA certificate and private key from PKCS#12 data.
func DecodeP12(p12Data []byte, passphrase string) (*CA, error) {
	privateKey, cert, err := pkcs12.Decode(p12Data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decode PKCS#12: %w", err)
	}

	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("PKCS#12 private key cannot sign")
	}
	if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("PKCS#12 certificate %q is not a signing CA", cert.Subject.CommonName)
	}
	return &CA{Certificate: cert, PrivateKey: signer}, nil
}

func (ca *CA) EncodeP12(passphrase string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(ca.PrivateKey, ca.Certificate, nil, passphrase)
	if err != nil {
		return nil, fmt.Errorf("encode PKCS#12: %w", err)
	}
	return data, nil
}

// SaveP12 writes the CA to path as a raw PKCS#12 bundle readable by the owner only.
func (ca *CA) SaveP12(path, passphrase string) error {
	data, err := ca.EncodeP12(passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create CA directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write PKCS#12: %w", err)
	}
	return nil
}

// CertPEM is the certificate clients install to trust intercepted hosts.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Certificate.Raw})
}
