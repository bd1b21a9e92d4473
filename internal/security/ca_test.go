package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"
)

func TestEnsureCAGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	ca1, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}
	ca2, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA reload: %v", err)
	}
	if string(ca1.CACertPEM()) != string(ca2.CACertPEM()) {
		t.Error("expected reload to reuse the same CA certificate")
	}
}

func TestIssueCertClientAuth(t *testing.T) {
	dir := t.TempDir()
	ca, _ := EnsureCA(dir)

	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	certPEM, err := ca.IssueCert("agent-123", &key.PublicKey, false)
	if err != nil {
		t.Fatalf("IssueCert: %v", err)
	}
	if len(certPEM) == 0 {
		t.Fatal("expected non-empty cert PEM")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("expected a PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Errorf("ExtKeyUsage = %v, want only ClientAuth", cert.ExtKeyUsage)
	}
}

func TestSignCSRSetsCNToAgentID(t *testing.T) {
	dir := t.TempDir()
	ca, _ := EnsureCA(dir)

	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	csrTmpl := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "attacker-supplied-name"}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTmpl, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}

	certPEM, serial, err := ca.SignCSR(csrDER, "agent-assigned-id")
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}
	if serial == "" {
		t.Error("expected non-empty serial")
	}
	if len(certPEM) == 0 {
		t.Fatal("expected non-empty cert PEM")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("expected a PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if cert.Subject.CommonName != "agent-assigned-id" {
		t.Errorf("CommonName = %q, want agent-assigned-id", cert.Subject.CommonName)
	}
}

func TestEnrollTokenVerify(t *testing.T) {
	key := []byte("test-hmac-key")
	plaintext, rec, err := NewEnrollToken(key, time.Hour)
	if err != nil {
		t.Fatalf("NewEnrollToken: %v", err)
	}
	if !rec.Verify(key, plaintext) {
		t.Error("expected valid token to verify")
	}
	if rec.Verify(key, "wrong-token") {
		t.Error("expected wrong plaintext to fail verification")
	}

	rec.Used = true
	if rec.Verify(key, plaintext) {
		t.Error("expected used token to fail verification")
	}
}

func TestEnrollTokenExpiry(t *testing.T) {
	key := []byte("test-hmac-key")
	plaintext, rec, _ := NewEnrollToken(key, -time.Hour) // already expired
	if rec.Verify(key, plaintext) {
		t.Error("expected expired token to fail verification")
	}
}

func TestIsRevoked(t *testing.T) {
	revoked := map[string]RevocationEntry{"abc123": {Reason: "compromised"}}
	if !IsRevoked("abc123", revoked) {
		t.Error("expected abc123 to be revoked")
	}
	if IsRevoked("def456", revoked) {
		t.Error("expected def456 to not be revoked")
	}
}
