package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-acme/lego/v4/certcrypto"
)

type ToolHandler struct{}

func NewToolHandler() *ToolHandler {
	return &ToolHandler{}
}

// DecodedCertInfo 解析後的憑證摘要
type DecodedCertInfo struct {
	Subject       string    `json:"subject"`
	Issuer        string    `json:"issuer"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after"`
	DaysRemaining int       `json:"days_remaining"`
	DNSNames      []string  `json:"dns_names"` // SANs
	SerialNumber  string    `json:"serial_number"`
	SignatureAlgo string    `json:"signature_algo"`
	IsCA          bool      `json:"is_ca"`
}

// DecodeCertificate 解析使用者貼上的 PEM 憑證文字
func (h *ToolHandler) DecodeCertificate(c *gin.Context) {
	var req struct {
		CertContent string `json:"cert_content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}

	cert, err := certcrypto.ParsePEMCertificate([]byte(strings.TrimSpace(req.CertContent)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無法解析憑證內容，請確認格式為 PEM (以 -----BEGIN CERTIFICATE----- 開頭)"})
		return
	}

	subject := cert.Subject.CommonName
	if subject == "" && len(cert.Subject.Organization) > 0 {
		subject = cert.Subject.Organization[0]
	}
	issuer := cert.Issuer.CommonName
	if issuer == "" && len(cert.Issuer.Organization) > 0 {
		issuer = cert.Issuer.Organization[0]
	}

	info := DecodedCertInfo{
		Subject:       subject,
		Issuer:        issuer,
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		DaysRemaining: int(time.Until(cert.NotAfter).Hours() / 24),
		DNSNames:      cert.DNSNames,
		SerialNumber:  formatSerial(fmt.Sprintf("%X", cert.SerialNumber)),
		SignatureAlgo: cert.SignatureAlgorithm.String(),
		IsCA:          cert.IsCA,
	}
	c.JSON(http.StatusOK, gin.H{"data": info})
}

// formatSerial 序號格式化為 AA:BB:CC...
func formatSerial(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%2 == 0 {
			b.WriteRune(':')
		}
		b.WriteRune(r)
	}
	return b.String()
}
