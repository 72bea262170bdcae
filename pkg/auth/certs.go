package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

var ErrNoCA = errors.New("zone CA not initialized")

// ZoneCA issues the TLS certificates a zone's endpoints present to peers.
// Keys are Ed25519.
type ZoneCA struct {
	dir  string
	cert *x509.Certificate
	key  ed25519.PrivateKey
}

// OpenZoneCA loads the CA kept in dir, if there is one. Call Generate to
// create it otherwise.
func OpenZoneCA(dir string) (*ZoneCA, error) {
	ca := &ZoneCA{dir: dir}
	if _, err := os.Stat(ca.CertPath()); err != nil {
		return ca, nil
	}

	cert, err := LoadCertificate(ca.CertPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load zone CA: %w", err)
	}
	key, err := LoadPrivateKey(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load zone CA: %w", err)
	}
	ca.cert, ca.key = cert, key
	return ca, nil
}

func (ca *ZoneCA) CertPath() string {
	return filepath.Join(ca.dir, caCertFile)
}

func (ca *ZoneCA) Certificate() *x509.Certificate {
	return ca.cert
}

// Generate creates a self-signed CA for zone and writes it to the CA
// directory.
func (ca *ZoneCA) Generate(zone string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"zonelink"},
			CommonName:   zone + "-CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := os.MkdirAll(ca.dir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	if err := SaveCertificate(cert, priv, ca.CertPath(), filepath.Join(ca.dir, caKeyFile)); err != nil {
		return err
	}
	ca.cert, ca.key = cert, priv
	return nil
}

// Issue signs a certificate for an endpoint of zone. hosts become DNS or IP
// subject alternative names. The certificate serves both TLS sides, so the
// same pair can back a server and its outgoing peer calls.
func (ca *ZoneCA) Issue(zone string, hosts []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if ca.cert == nil || ca.key == nil {
		return nil, nil, ErrNoCA
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"zonelink"},
			CommonName:   zone,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, priv, nil
}

// Verify checks that cert chains to this CA
func (ca *ZoneCA) Verify(cert *x509.Certificate) error {
	if ca.cert == nil {
		return ErrNoCA
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// SaveCertificate writes cert and key as PEM. The key file is 0600.
func SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}
	return edKey, nil
}

// CertificateInfo is a certificate summary for display
type CertificateInfo struct {
	Subject   string
	Issuer    string
	Hosts     []string
	IsCA      bool
	NotAfter  time.Time
	ExpiresIn time.Duration
	Status    string // valid, expiring, expired or not-yet-valid
}

// InspectCertificate summarizes the certificate at path. Certificates
// within warn of expiry are reported as expiring.
func InspectCertificate(path string, warn time.Duration, now time.Time) (*CertificateInfo, error) {
	cert, err := LoadCertificate(path)
	if err != nil {
		return nil, err
	}

	info := &CertificateInfo{
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		Hosts:     append([]string(nil), cert.DNSNames...),
		IsCA:      cert.IsCA,
		NotAfter:  cert.NotAfter,
		ExpiresIn: cert.NotAfter.Sub(now),
	}
	for _, ip := range cert.IPAddresses {
		info.Hosts = append(info.Hosts, ip.String())
	}

	switch {
	case now.After(cert.NotAfter):
		info.Status = "expired"
	case now.Before(cert.NotBefore):
		info.Status = "not-yet-valid"
	case info.ExpiresIn < warn:
		info.Status = "expiring"
	default:
		info.Status = "valid"
	}
	return info, nil
}
