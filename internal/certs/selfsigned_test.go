package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "replay.local", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if want := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	for _, name := range []string{"localhost", "replay.local"} {
		if !slices.Contains(x509Cert.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", x509Cert.DNSNames, name)
		}
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.0.0.7")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IP addresses %v missing 10.0.0.7", x509Cert.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != DefaultValidity {
		t.Errorf("validity = %v, want %v", got, DefaultValidity)
	}
}

func TestLoadOrGenerateReusesStored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, 0, nil)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	second, err := LoadOrGenerate(dir, 0, nil)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Error("stored certificate was not reused")
	}
}

func TestLoadOrGenerateRenewsExpiring(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	second, err := LoadOrGenerate(dir, 0, nil)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if first.Fingerprint == second.Fingerprint {
		t.Error("expiring certificate was reused")
	}
}
