package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	domainPattern = regexp.MustCompile(`^(\*\.)?([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	emailPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// RequestCertInput 申請免費憑證的輸入
type RequestCertInput struct {
	DomainName    string   `json:"domain_name" binding:"required"`
	CertName      string   `json:"cert_name"`
	CertType      string   `json:"cert_type"` // free_acme (預設) / free_alt / self_signed
	SANs          []string `json:"sans"`
	ChallengeType string   `json:"challenge_type"` // http-01 (預設) / dns-01
	AcmeEmail     string   `json:"acme_email"`
	AutoRenew     *bool    `json:"auto_renew"`
	LeadDays      int      `json:"renewal_lead_days"`
}

// UploadCertInput 上傳憑證的輸入
type UploadCertInput struct {
	DomainName     string `json:"domain_name" binding:"required"`
	CertName       string `json:"cert_name"`
	CertificatePEM string `json:"certificate_pem" binding:"required"`
	PrivateKeyPEM  string `json:"private_key_pem" binding:"required"`
	ChainPEM       string `json:"chain_pem"`
}

// CheckResult 線上 TLS 探測結果
type CheckResult struct {
	DomainName  string    `json:"domain_name"`
	Reachable   bool      `json:"reachable"`
	Issuer      string    `json:"issuer,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	DaysLeft    int       `json:"days_left,omitempty"`
	TLSVersion  string    `json:"tls_version,omitempty"`
	DomainMatch bool      `json:"domain_match"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
}

// CertService 憑證生命週期的業務入口
type CertService struct {
	Repo     repository.CertificateRepository
	Executor *RenewalExecutor
	Revokers map[string]*AcmeOrderClient // key: cert type，吊銷走原簽發 CA
}

func NewCertService(repo repository.CertificateRepository, executor *RenewalExecutor, revokers map[string]*AcmeOrderClient) *CertService {
	return &CertService{Repo: repo, Executor: executor, Revokers: revokers}
}

// ValidateDomainName 域名格式檢查，允許萬用字元前綴
func ValidateDomainName(name string) error {
	if !domainPattern.MatchString(name) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidDomain, name)
	}
	return nil
}

// ValidateEmail Email 格式檢查
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidEmail, email)
	}
	return nil
}

// Request 申請一張免費憑證：建 pending 資料後立刻執行一次手動簽發。
// 同域名只允許一張 is_active 憑證，已存在時拒絕 (不限狀態，error 中的也算佔用)。
func (s *CertService) Request(ctx context.Context, input RequestCertInput) (*domain.Certificate, error) {
	if err := ValidateDomainName(input.DomainName); err != nil {
		return nil, err
	}
	for _, san := range input.SANs {
		if err := ValidateDomainName(san); err != nil {
			return nil, err
		}
	}

	certType := input.CertType
	if certType == "" {
		certType = domain.TypeFreeAcme
	}
	switch certType {
	case domain.TypeFreeAcme, domain.TypeFreeAlt:
		if err := ValidateEmail(input.AcmeEmail); err != nil {
			return nil, err
		}
	case domain.TypeSelfSigned:
		// 自簽不需要 Email
	default:
		return nil, fmt.Errorf("不支援的憑證類型: %s", certType)
	}

	challengeType := input.ChallengeType
	if challengeType == "" {
		challengeType = domain.ChallengeHTTP01
	}
	if challengeType != domain.ChallengeHTTP01 && challengeType != domain.ChallengeDNS01 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChallenge, challengeType)
	}
	// 萬用字元只能走 DNS-01
	if strings.HasPrefix(input.DomainName, "*.") && challengeType != domain.ChallengeDNS01 {
		return nil, fmt.Errorf("%w: 萬用字元域名僅支援 dns-01", domain.ErrUnsupportedChallenge)
	}

	exists, err := s.Repo.HasActiveCert(ctx, input.DomainName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrActiveCertExists, input.DomainName)
	}

	autoRenew := true
	if input.AutoRenew != nil {
		autoRenew = *input.AutoRenew
	}
	certName := input.CertName
	if certName == "" {
		certName = input.DomainName
	}

	cert := &domain.Certificate{
		DomainName:      input.DomainName,
		CertName:        certName,
		CertType:        certType,
		Status:          domain.StatusPending,
		SANs:            input.SANs,
		AutoRenew:       autoRenew,
		RenewalLeadDays: input.LeadDays,
		ChallengeType:   challengeType,
		AcmeEmail:       input.AcmeEmail,
		IsActive:        true,
	}
	if err := s.Repo.Create(ctx, cert); err != nil {
		return nil, err
	}

	logrus.Infof("📝 [Cert] 已建立申請: %s (%s)", cert.DomainName, certType)

	// 立即簽發，失敗時憑證留在 error 狀態供重試
	if _, err := s.Executor.Renew(ctx, cert.ID, domain.RenewalManual); err != nil {
		cert, getErr := s.Repo.GetByID(ctx, cert.ID)
		if getErr != nil {
			return nil, err
		}
		return cert, err
	}
	return s.Repo.GetByID(ctx, cert.ID)
}

// Upload 上傳既有憑證，驗證材料後直接進 active。
// 同域名的其他 active 憑證會被停用 (取而代之)。
func (s *CertService) Upload(ctx context.Context, input UploadCertInput) (*domain.Certificate, error) {
	if err := ValidateDomainName(input.DomainName); err != nil {
		return nil, err
	}

	leaf, err := certcrypto.ParsePEMCertificate([]byte(input.CertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("憑證解析失敗: %w", err)
	}
	if _, err := certcrypto.ParsePEMPrivateKey([]byte(input.PrivateKeyPEM)); err != nil {
		return nil, fmt.Errorf("私鑰解析失敗: %w", err)
	}

	// 憑證必須涵蓋申報的域名
	if err := leaf.VerifyHostname(input.DomainName); err != nil {
		return nil, fmt.Errorf("%w: 憑證未涵蓋 %s", domain.ErrInvalidDomain, input.DomainName)
	}

	certName := input.CertName
	if certName == "" {
		certName = input.DomainName
	}

	cert := &domain.Certificate{
		DomainName:     input.DomainName,
		CertName:       certName,
		CertType:       domain.TypeUserUploaded,
		Status:         domain.StatusActive,
		Issuer:         leaf.Issuer.CommonName,
		SerialNumber:   leaf.SerialNumber.Text(16),
		SANs:           leaf.DNSNames,
		IssuedAt:       leaf.NotBefore,
		ExpiresAt:      leaf.NotAfter,
		CertificatePEM: input.CertificatePEM,
		PrivateKeyPEM:  input.PrivateKeyPEM,
		ChainPEM:       input.ChainPEM,
		AutoRenew:      false, // 上傳憑證無法自動續簽
		IsActive:       true,
	}
	// 先停用同域名既有憑證再寫入，不然會撞上 (domain_name, is_active) 唯一索引
	if err := s.Repo.DeactivateOthers(ctx, input.DomainName, primitive.NilObjectID); err != nil {
		return nil, err
	}
	if err := s.Repo.Create(ctx, cert); err != nil {
		return nil, err
	}

	logrus.Infof("📤 [Cert] 已上傳憑證: %s (到期: %s)", cert.DomainName, cert.ExpiresAt.Format("2006-01-02"))
	return cert, nil
}

// Renew 手動或強制觸發一次續簽
func (s *CertService) Renew(ctx context.Context, id primitive.ObjectID, kind string) (*domain.RenewalLog, error) {
	if kind != domain.RenewalManual && kind != domain.RenewalForced {
		kind = domain.RenewalManual
	}
	return s.Executor.Renew(ctx, id, kind)
}

// Revoke 向 CA 吊銷並轉入終態
func (s *CertService) Revoke(ctx context.Context, id primitive.ObjectID) (*domain.Certificate, error) {
	cert, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.Status == domain.StatusRevoked {
		return nil, domain.ErrCertRevoked
	}
	if !domain.CanTransition(cert.Status, domain.StatusRevoked) {
		return nil, &domain.InvalidStateTransitionError{From: cert.Status, To: domain.StatusRevoked}
	}

	// 免費憑證要真的通知 CA，其餘只改本地狀態
	if cert.IsFreeType() && cert.CertificatePEM != "" {
		client, ok := s.Revokers[cert.CertType]
		if !ok {
			return nil, fmt.Errorf("找不到 %s 的吊銷通道", cert.CertType)
		}
		if err := client.Revoke(ctx, cert.CertificatePEM); err != nil {
			return nil, err
		}
	}

	if err := s.Repo.UpdateStatus(ctx, cert.ID, cert.Status, domain.StatusRevoked); err != nil {
		return nil, err
	}
	cert.Status = domain.StatusRevoked

	logrus.Warnf("🚫 [Cert] 已吊銷: %s", cert.DomainName)
	return cert, nil
}

// Delete 刪除憑證。還有服務在用時擋下，force 會順手解除所有使用關聯。
func (s *CertService) Delete(ctx context.Context, id primitive.ObjectID, force bool) error {
	if _, err := s.Repo.GetByID(ctx, id); err != nil {
		return err
	}

	active, err := s.Repo.CountActiveUsages(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		if !force {
			return fmt.Errorf("%w: 仍有 %d 個服務使用中", domain.ErrUsageConflict, active)
		}
		if err := s.Repo.DeactivateUsages(ctx, id); err != nil {
			return err
		}
	}
	return s.Repo.Delete(ctx, id)
}

// Check 線上探測：直接對目標做 TLS 握手，回報實際部署的憑證狀況
func (s *CertService) Check(ctx context.Context, domainName string, port int) CheckResult {
	result := CheckResult{DomainName: domainName}
	if port <= 0 {
		port = 443
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", fmt.Sprintf("%s:%d", domainName, port), &tls.Config{
		ServerName:         domainName,
		InsecureSkipVerify: true, // 過期或自簽也要能讀到內容
	})
	if err != nil {
		result.ErrorMsg = err.Error()
		return result
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		result.ErrorMsg = "對方未提供憑證"
		return result
	}

	leaf := state.PeerCertificates[0]
	result.Reachable = true
	result.Issuer = leaf.Issuer.CommonName
	result.ExpiresAt = leaf.NotAfter
	result.DaysLeft = int(time.Until(leaf.NotAfter).Hours() / 24)
	result.TLSVersion = tls.VersionName(state.Version)
	result.DomainMatch = leaf.VerifyHostname(domainName) == nil
	return result
}

// SetAutoRenew 切換單張憑證的自動續簽
func (s *CertService) SetAutoRenew(ctx context.Context, id primitive.ObjectID, enabled bool) error {
	cert, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if enabled && cert.CertType == domain.TypeUserUploaded {
		return fmt.Errorf("%w: 上傳憑證無法自動續簽", domain.ErrManualRenewalRequired)
	}
	return s.Repo.SetAutoRenew(ctx, id, enabled)
}
