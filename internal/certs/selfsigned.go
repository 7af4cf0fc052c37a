// Package certs generates and persists the self-signed ECDSA P-256
// certificate the control server uses when TLS is enabled.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// DefaultValidity is used when Generate is given a non-positive validity.
const DefaultValidity = 365 * 24 * time.Hour

// renewBefore is how close to expiry a stored certificate is replaced.
const renewBefore = 7 * 24 * time.Hour

const (
	certFile = "cert.pem"
	keyFile  = "key.pem"
)

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// Generate creates a self-signed certificate for localhost plus hosts,
// which may be names or IP addresses.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "replay"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// LoadOrGenerate returns the certificate stored in dir, generating and
// storing a new one when none exists or the stored one is close to expiry.
// An empty dir generates without storing.
func LoadOrGenerate(dir string, validity time.Duration, log *slog.Logger, hosts ...string) (*CertInfo, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "certs")
	if dir == "" {
		return Generate(validity, hosts...)
	}

	info, err := load(dir)
	switch {
	case err == nil && time.Until(info.NotAfter) > renewBefore:
		log.Info("using stored certificate", "dir", dir, "expires", info.NotAfter.Format(time.RFC3339))
		return info, nil
	case err == nil:
		log.Info("stored certificate expiring, replacing", "expires", info.NotAfter.Format(time.RFC3339))
	case !errors.Is(err, os.ErrNotExist):
		log.Warn("stored certificate unusable, replacing", "dir", dir, "error", err)
	}

	info, err = Generate(validity, hosts...)
	if err != nil {
		return nil, err
	}
	if err := store(dir, info); err != nil {
		return nil, err
	}
	log.Info("certificate generated", "dir", dir, "fingerprint", info.FingerprintBase64())
	return info, nil
}

func load(dir string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &CertInfo{
		TLSCert:     pair,
		Fingerprint: sha256.Sum256(pair.Certificate[0]),
		NotAfter:    leaf.NotAfter,
	}, nil
}

func store(dir string, info *CertInfo) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	key, ok := info.TLSCert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return errors.New("unsupported private key type")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: info.TLSCert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := renameio.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, certFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}
