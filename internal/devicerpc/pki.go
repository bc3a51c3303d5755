package devicerpc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	organization = "Silo Overlay"
)

// PKI keeps the CA and issued certificates for the device management channel
// under a single directory. The controller holds a client certificate; every
// device agent holds a server certificate for its overlay address.
type PKI struct {
	Dir string

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

func NewPKI(dir string) *PKI {
	return &PKI{Dir: dir}
}

func (p *PKI) CACertPath() string { return filepath.Join(p.Dir, "ca.crt") }
func (p *PKI) caKeyPath() string  { return filepath.Join(p.Dir, "ca.key") }

func (p *PKI) CertPath(name string) string { return filepath.Join(p.Dir, name+".crt") }
func (p *PKI) KeyPath(name string) string  { return filepath.Join(p.Dir, name+".key") }

// EnsureCA loads the CA from Dir, creating it on first use.
func (p *PKI) EnsureCA() error {
	if p.caCert != nil {
		return nil
	}
	if fileExists(p.CACertPath()) && fileExists(p.caKeyPath()) {
		cert, key, err := loadKeyPair(p.CACertPath(), p.caKeyPath())
		if err != nil {
			return fmt.Errorf("failed to load CA: %w", err)
		}
		p.caCert, p.caKey = cert, key
		return nil
	}

	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create pki directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}
	template, err := newTemplate(organization+" Root CA", caValidity)
	if err != nil {
		return err
	}
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	template.IsCA = true
	template.MaxPathLenZero = true

	cert, err := sign(template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	if err := writeKeyPair(cert, key, p.CACertPath(), p.caKeyPath()); err != nil {
		return err
	}

	slog.Info("Generated device management CA", "path", p.CACertPath())
	p.caCert, p.caKey = cert, key
	return nil
}

// IssueClient writes a client certificate the controller presents to devices.
func (p *PKI) IssueClient(name string) (*x509.Certificate, error) {
	return p.issue(name, x509.ExtKeyUsageClientAuth, nil, nil)
}

// IssueDevice writes a server certificate for a device agent reachable at the
// given overlay addresses.
func (p *PKI) IssueDevice(name string, ips []net.IP, dnsNames []string) (*x509.Certificate, error) {
	if len(ips) == 0 && len(dnsNames) == 0 {
		return nil, errors.New("device certificate needs at least one address or name")
	}
	return p.issue(name, x509.ExtKeyUsageServerAuth, ips, dnsNames)
}

func (p *PKI) issue(name string, usage x509.ExtKeyUsage, ips []net.IP, dnsNames []string) (*x509.Certificate, error) {
	if err := p.EnsureCA(); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	template, err := newTemplate(name, leafValidity)
	if err != nil {
		return nil, err
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{usage}
	template.IPAddresses = ips
	template.DNSNames = dnsNames

	cert, err := sign(template, p.caCert, &key.PublicKey, p.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", name, err)
	}
	if err := writeKeyPair(cert, key, p.CertPath(name), p.KeyPath(name)); err != nil {
		return nil, err
	}

	slog.Info("Issued certificate", "name", name, "path", p.CertPath(name))
	return cert, nil
}

func newTemplate(commonName string, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		BasicConstraintsValid: true,
	}, nil
}

func sign(template, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func writeKeyPair(cert *x509.Certificate, key *ecdsa.PrivateKey, certPath, keyPath string) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

func loadKeyPair(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, err := readPEM(certPath)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("key in %s is not an ECDSA private key", keyPath)
	}
	return cert, key, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM in %s", path)
	}
	return block, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
