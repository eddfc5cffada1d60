package domain

// 挑戰狀態 (僅存在於單次簽發嘗試期間，不落地)
const (
	ChallengeStatusPending = "pending"
	ChallengeStatusValid   = "valid"
	ChallengeStatusInvalid = "invalid"
)

// AcmeChallenge 一次 ACME 挑戰的暫態資料
type AcmeChallenge struct {
	Domain  string `json:"domain"`
	Type    string `json:"type"`
	Token   string `json:"token"`
	KeyAuth string `json:"key_auth"` // token + "." + JWK thumbprint
	URL     string `json:"url"`
	Status  string `json:"status"`
}

// DNS01Record DNS-01 要發佈的 TXT 紀錄：值為 base64url(SHA-256(keyAuth))，
// 由 acme 套件計算後填入，這裡只負責攜帶。
type DNS01Record struct {
	FQDN  string `json:"fqdn"` // _acme-challenge.<domain>
	Value string `json:"value"`
}
