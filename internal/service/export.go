package service

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"certkeeper/internal/domain"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// 匯出格式
const (
	ExportFormatPEM = "pem"
	ExportFormatPFX = "pfx" // PKCS#12，IIS / Windows 常用
	ExportFormatJKS = "jks" // Java Keystore
)

// ExportBundle 匯出產物
type ExportBundle struct {
	Format      string
	FileName    string
	ContentType string
	Data        []byte
}

// ExportService 把入庫的 PEM 材料轉成各種部署格式
type ExportService struct{}

func NewExportService() *ExportService {
	return &ExportService{}
}

// Export 依格式匯出，pfx/jks 需要密碼
func (s *ExportService) Export(cert *domain.Certificate, format, password string) (*ExportBundle, error) {
	if cert.CertificatePEM == "" || cert.PrivateKeyPEM == "" {
		return nil, errors.New("憑證材料不完整，無法匯出")
	}

	switch format {
	case ExportFormatPEM, "":
		return s.exportPEM(cert)
	case ExportFormatPFX:
		return s.exportPFX(cert, password)
	case ExportFormatJKS:
		return s.exportJKS(cert, password)
	default:
		return nil, fmt.Errorf("不支援的匯出格式: %s", format)
	}
}

// exportPEM 合併輸出：憑證 + 鏈 + 私鑰
func (s *ExportService) exportPEM(cert *domain.Certificate) (*ExportBundle, error) {
	var buf bytes.Buffer
	buf.WriteString(cert.CertificatePEM)
	if cert.ChainPEM != "" {
		buf.WriteString(cert.ChainPEM)
	}
	buf.WriteString(cert.PrivateKeyPEM)

	return &ExportBundle{
		Format:      ExportFormatPEM,
		FileName:    cert.DomainName + ".pem",
		ContentType: "application/x-pem-file",
		Data:        buf.Bytes(),
	}, nil
}

func (s *ExportService) parseMaterial(cert *domain.Certificate) (interface{}, *x509.Certificate, []*x509.Certificate, error) {
	key, err := certcrypto.ParsePEMPrivateKey([]byte(cert.PrivateKeyPEM))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("私鑰解析失敗: %w", err)
	}
	leaf, err := certcrypto.ParsePEMCertificate([]byte(cert.CertificatePEM))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("憑證解析失敗: %w", err)
	}

	var chain []*x509.Certificate
	if cert.ChainPEM != "" {
		chain, err = certcrypto.ParsePEMBundle([]byte(cert.ChainPEM))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("憑證鏈解析失敗: %w", err)
		}
	}
	return key, leaf, chain, nil
}

func (s *ExportService) exportPFX(cert *domain.Certificate, password string) (*ExportBundle, error) {
	if password == "" {
		return nil, errors.New("pfx 匯出需要密碼")
	}

	key, leaf, chain, err := s.parseMaterial(cert)
	if err != nil {
		return nil, err
	}

	data, err := pkcs12.Modern.Encode(key, leaf, chain, password)
	if err != nil {
		return nil, fmt.Errorf("pfx 封裝失敗: %w", err)
	}

	return &ExportBundle{
		Format:      ExportFormatPFX,
		FileName:    cert.DomainName + ".pfx",
		ContentType: "application/x-pkcs12",
		Data:        data,
	}, nil
}

func (s *ExportService) exportJKS(cert *domain.Certificate, password string) (*ExportBundle, error) {
	if password == "" {
		return nil, errors.New("jks 匯出需要密碼")
	}

	key, leaf, chain, err := s.parseMaterial(cert)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("私鑰轉 PKCS#8 失敗: %w", err)
	}

	ksChain := []keystore.Certificate{{Type: "X509", Content: leaf.Raw}}
	for _, c := range chain {
		ksChain = append(ksChain, keystore.Certificate{Type: "X509", Content: c.Raw})
	}

	ks := keystore.New()
	entry := keystore.PrivateKeyEntry{
		CreationTime:     time.Now(),
		PrivateKey:       keyDER,
		CertificateChain: ksChain,
	}
	if err := ks.SetPrivateKeyEntry(cert.DomainName, entry, []byte(password)); err != nil {
		return nil, fmt.Errorf("jks 寫入失敗: %w", err)
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		return nil, fmt.Errorf("jks 封裝失敗: %w", err)
	}

	return &ExportBundle{
		Format:      ExportFormatJKS,
		FileName:    cert.DomainName + ".jks",
		ContentType: "application/octet-stream",
		Data:        buf.Bytes(),
	}, nil
}
