package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const selfSignedValidDays = 90

// SelfSignedIssuer 本地自簽憑證，效期對齊 ACME 的 90 天
type SelfSignedIssuer struct{}

func NewSelfSignedIssuer() *SelfSignedIssuer {
	return &SelfSignedIssuer{}
}

func (s *SelfSignedIssuer) Issue(domainName string, sans []string) (*IssuedCertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dnsNames := append([]string{domainName}, sans...)

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domainName},
		DNSNames:              dnsNames,
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidDays * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true, // 自簽，同時是自己的簽發者
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return &IssuedCertificate{
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  string(certcrypto.PEMEncode(key)),
		Issuer:         domainName,
		SerialNumber:   serial.Text(16),
		SANs:           dnsNames,
		IssuedAt:       now,
		ExpiresAt:      tmpl.NotAfter,
	}, nil
}
