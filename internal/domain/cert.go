package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 憑證狀態 (狀態機，見 CanTransition)
const (
	StatusPending       = "pending"        // 簽發進行中
	StatusActive        = "active"         // 有效、服務中
	StatusRenewalNeeded = "renewal_needed" // 進入續簽窗口 (由 Monitor 驅動)
	StatusError         = "error"          // 續簽失敗，可重試
	StatusExpired       = "expired"        // 已過期且無成功續簽
	StatusRevoked       = "revoked"        // 已吊銷 (終態)
)

// 憑證類型
const (
	TypeFreeAcme     = "free_acme"     // Let's Encrypt 自動簽發
	TypeFreeAlt      = "free_alt"      // 替代免費 CA (ZeroSSL 等)，同樣走 ACME
	TypeUserUploaded = "user_uploaded" // 使用者上傳
	TypeSelfSigned   = "self_signed"   // 本地自簽
)

// ACME 挑戰類型
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

type Certificate struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DomainName string             `bson:"domain_name" json:"domain_name"`
	CertName   string             `bson:"cert_name" json:"cert_name"`
	CertType   string             `bson:"cert_type" json:"cert_type"`
	Status     string             `bson:"status" json:"status"`

	// 憑證內容資訊
	Issuer       string    `bson:"issuer" json:"issuer"`
	SerialNumber string    `bson:"serial_number" json:"serial_number"`
	SANs         []string  `bson:"sans,omitempty" json:"sans,omitempty"`
	IssuedAt     time.Time `bson:"issued_at" json:"issued_at"`
	ExpiresAt    time.Time `bson:"expires_at" json:"expires_at"`

	// PEM 材料。私鑰只進 DB，絕不進 Log
	CertificatePEM string `bson:"certificate_pem" json:"-"`
	PrivateKeyPEM  string `bson:"private_key_pem" json:"-"`
	ChainPEM       string `bson:"chain_pem,omitempty" json:"-"`

	// 續簽設定
	AutoRenew       bool   `bson:"auto_renew" json:"auto_renew"`
	RenewalLeadDays int    `bson:"renewal_lead_days" json:"renewal_lead_days"`
	ChallengeType   string `bson:"challenge_type" json:"challenge_type"`
	AcmeEmail       string `bson:"acme_email" json:"acme_email"`

	// 續簽追蹤
	LastRenewalAttempt time.Time `bson:"last_renewal_attempt,omitempty" json:"last_renewal_attempt"`
	LastError          string    `bson:"last_error,omitempty" json:"last_error"`
	LastAlertTime      time.Time `bson:"last_alert_time,omitempty" json:"last_alert_time"`

	// 系統欄位。IsActive: 同一域名至多一筆 active=true
	IsActive  bool      `bson:"is_active" json:"is_active"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// validTransitions 定義狀態機的合法轉移。
// revoked 是終態；expired 不能直接回 active (必須經過新的簽發流程 pending)。
var validTransitions = map[string][]string{
	StatusPending:       {StatusActive, StatusError, StatusRevoked},
	StatusActive:        {StatusActive, StatusRenewalNeeded, StatusError, StatusExpired, StatusRevoked},
	StatusRenewalNeeded: {StatusActive, StatusError, StatusExpired, StatusRevoked},
	StatusError:         {StatusActive, StatusRenewalNeeded, StatusError, StatusExpired, StatusRevoked},
	StatusExpired:       {StatusPending, StatusRevoked},
	StatusRevoked:       {},
}

// CanTransition 檢查狀態轉移是否合法
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition 執行狀態轉移，非法轉移回傳 InvalidStateTransitionError
func (c *Certificate) Transition(to string) error {
	if !CanTransition(c.Status, to) {
		return &InvalidStateTransitionError{From: c.Status, To: to}
	}
	c.Status = to
	return nil
}

// IsExpired 是否已過實際到期日 (與狀態欄位無關)
func (c *Certificate) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// DaysUntilExpiry 剩餘天數，已過期為負數
func (c *Certificate) DaysUntilExpiry(now time.Time) int {
	if c.ExpiresAt.IsZero() {
		return -1
	}
	return int(c.ExpiresAt.Sub(now).Hours() / 24)
}

// NeedsRenewal 是否進入續簽窗口 (expiresAt - now <= leadDays)
func (c *Certificate) NeedsRenewal(now time.Time, defaultLeadDays int) bool {
	if c.ExpiresAt.IsZero() || !c.AutoRenew {
		return false
	}
	lead := c.RenewalLeadDays
	if lead <= 0 {
		lead = defaultLeadDays
	}
	return !c.ExpiresAt.After(now.Add(time.Duration(lead) * 24 * time.Hour))
}

// IsFreeType 免費憑證 (ACME 自動簽發路徑)
func (c *Certificate) IsFreeType() bool {
	return c.CertType == TypeFreeAcme || c.CertType == TypeFreeAlt
}
