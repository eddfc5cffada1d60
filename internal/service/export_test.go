package service

import (
	"testing"
	"time"

	"certkeeper/internal/domain"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func TestSelfSignedIssue(t *testing.T) {
	issued, err := NewSelfSignedIssuer().Issue("internal.example.com", []string{"alt.example.com"})
	require.NoError(t, err)

	cert, err := certcrypto.ParsePEMCertificate([]byte(issued.CertificatePEM))
	require.NoError(t, err)
	assert.Equal(t, "internal.example.com", cert.Subject.CommonName)
	assert.ElementsMatch(t, []string{"internal.example.com", "alt.example.com"}, cert.DNSNames)

	// 效期 90 天
	assert.InDelta(t, 90*24, time.Until(cert.NotAfter).Hours(), 1)

	_, err = certcrypto.ParsePEMPrivateKey([]byte(issued.PrivateKeyPEM))
	require.NoError(t, err)
}

func exportTestCert(t *testing.T) *domain.Certificate {
	t.Helper()
	issued, err := NewSelfSignedIssuer().Issue("export.example.com", nil)
	require.NoError(t, err)
	return &domain.Certificate{
		DomainName:     "export.example.com",
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  issued.PrivateKeyPEM,
	}
}

func TestExportPEM(t *testing.T) {
	cert := exportTestCert(t)
	bundle, err := NewExportService().Export(cert, ExportFormatPEM, "")
	require.NoError(t, err)
	assert.Equal(t, "export.example.com.pem", bundle.FileName)
	assert.Contains(t, string(bundle.Data), "BEGIN CERTIFICATE")
	assert.Contains(t, string(bundle.Data), "PRIVATE KEY")
}

func TestExportPFX(t *testing.T) {
	cert := exportTestCert(t)
	svc := NewExportService()

	_, err := svc.Export(cert, ExportFormatPFX, "")
	assert.Error(t, err, "pfx 匯出必須帶密碼")

	bundle, err := svc.Export(cert, ExportFormatPFX, "changeit")
	require.NoError(t, err)
	assert.Equal(t, "application/x-pkcs12", bundle.ContentType)

	// 可以用同一組密碼解回來
	_, leaf, _, err := pkcs12.DecodeChain(bundle.Data, "changeit")
	require.NoError(t, err)
	assert.Equal(t, "export.example.com", leaf.Subject.CommonName)
}

func TestExportJKS(t *testing.T) {
	cert := exportTestCert(t)
	bundle, err := NewExportService().Export(cert, ExportFormatJKS, "changeit")
	require.NoError(t, err)
	assert.Equal(t, "export.example.com.jks", bundle.FileName)
	assert.NotEmpty(t, bundle.Data)
}

func TestExportUnknownFormat(t *testing.T) {
	cert := exportTestCert(t)
	_, err := NewExportService().Export(cert, "p7b", "")
	assert.Error(t, err)
}

func TestExportMissingMaterial(t *testing.T) {
	_, err := NewExportService().Export(&domain.Certificate{DomainName: "empty.example.com"}, ExportFormatPEM, "")
	assert.Error(t, err)
}
