package service

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"
)

const orderWaitTimeout = 5 * time.Minute

// IssuedCertificate 一次成功簽發的產出物
type IssuedCertificate struct {
	CertificatePEM string
	PrivateKeyPEM  string
	ChainPEM       string
	Issuer         string
	SerialNumber   string
	SANs           []string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// AcmeOrderClient 走完整的 ACME 訂單流程：
// 帳號 -> 訂單 -> 逐域名授權 (挑戰由 ChallengeDriver 解) -> CSR -> 領取憑證。
type AcmeOrderClient struct {
	Repo         repository.CertificateRepository
	DirectoryURL string
	Drivers      map[string]ChallengeDriver // key: challenge type
}

func NewAcmeOrderClient(repo repository.CertificateRepository, directoryURL string, drivers ...ChallengeDriver) *AcmeOrderClient {
	m := make(map[string]ChallengeDriver, len(drivers))
	for _, d := range drivers {
		m[d.Type()] = d
	}
	return &AcmeOrderClient{Repo: repo, DirectoryURL: directoryURL, Drivers: m}
}

// accountKey 取得或建立 ACME 帳號私鑰 (存於 RuntimeConfig，絕不進 Log)
func (c *AcmeOrderClient) accountKey(ctx context.Context) (crypto.Signer, error) {
	cfg, err := c.Repo.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.AcmeAccountKey != "" {
		key, err := certcrypto.ParsePEMPrivateKey([]byte(cfg.AcmeAccountKey))
		if err != nil {
			return nil, fmt.Errorf("帳號私鑰解析失敗: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("帳號私鑰類型不支援")
		}
		return signer, nil
	}

	// 沒有私鑰就產生新的 ECDSA 並落地
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cfg.AcmeAccountKey = string(certcrypto.PEMEncode(privateKey))
	if err := c.Repo.SaveRuntimeConfig(ctx, *cfg); err != nil {
		return nil, err
	}
	logrus.Info("🔑 [ACME] 已產生新的帳號私鑰")
	return privateKey, nil
}

// newClient 組出已註冊好帳號的 acme.Client
func (c *AcmeOrderClient) newClient(ctx context.Context, email string) (*acme.Client, error) {
	key, err := c.accountKey(ctx)
	if err != nil {
		return nil, err
	}

	client := &acme.Client{
		Key:          key,
		DirectoryURL: c.DirectoryURL,
	}

	account := &acme.Account{}
	if email != "" {
		account.Contact = []string{"mailto:" + email}
	}

	// 同一把 Key 重複註冊會回 AlreadyExists，視同成功
	acct, err := client.Register(ctx, account, acme.AcceptTOS)
	if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, mapAcmeError(fmt.Errorf("ACME 註冊失敗: %w", err))
	}
	if acct != nil && acct.URI != "" {
		cfg, cfgErr := c.Repo.GetRuntimeConfig(ctx)
		if cfgErr == nil && cfg.AcmeAccountURL != acct.URI {
			cfg.AcmeAccountURL = acct.URI
			if saveErr := c.Repo.SaveRuntimeConfig(ctx, *cfg); saveErr != nil {
				logrus.Warnf("⚠️ [ACME] 帳號 URL 儲存失敗: %v", saveErr)
			}
		}
	}
	return client, nil
}

// Obtain 為一組域名簽發新憑證
func (c *AcmeOrderClient) Obtain(ctx context.Context, domains []string, email, challengeType string) (*IssuedCertificate, error) {
	if len(domains) == 0 {
		return nil, domain.ErrInvalidDomain
	}

	driver, ok := c.Drivers[challengeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChallenge, challengeType)
	}

	client, err := c.newClient(ctx, email)
	if err != nil {
		return nil, err
	}

	logrus.Infof("🚀 [ACME] 開始簽發: %v (challenge: %s)", domains, challengeType)

	// 1. 建立訂單
	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, mapAcmeError(fmt.Errorf("建立訂單失敗: %w", err))
	}

	// 2. 逐一解決授權
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, mapAcmeError(err)
		}
		if authz.Status == acme.StatusValid {
			continue // 先前驗過，帳號授權還在有效期
		}

		name := authz.Identifier.Value
		if err := driver.Solve(ctx, client, authz, name); err != nil {
			return nil, err
		}
	}

	// 3. 等訂單進入 ready
	waitCtx, cancel := context.WithTimeout(ctx, orderWaitTimeout)
	defer cancel()
	order, err = client.WaitOrder(waitCtx, order.URI)
	if err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: 訂單等待逾時", domain.ErrOrderTimeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return nil, mapAcmeError(fmt.Errorf("訂單失敗: %w", err))
	}

	// 4. 產生憑證私鑰與 CSR (每次簽發都換新 Key)
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: domains,
	}, certKey)
	if err != nil {
		return nil, err
	}

	// 5. Finalize 並領取憑證鏈
	derChain, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, mapAcmeError(fmt.Errorf("憑證領取失敗: %w", err))
	}
	if len(derChain) == 0 {
		return nil, errors.New("CA 回傳空憑證鏈")
	}

	return buildIssued(derChain, certKey)
}

// Revoke 吊銷憑證 (以帳號私鑰簽署吊銷請求)
func (c *AcmeOrderClient) Revoke(ctx context.Context, certPEM string) error {
	client, err := c.newClient(ctx, "")
	if err != nil {
		return err
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return errors.New("憑證 PEM 解析失敗")
	}
	if err := client.RevokeCert(ctx, nil, block.Bytes, acme.CRLReasonUnspecified); err != nil {
		return mapAcmeError(fmt.Errorf("吊銷失敗: %w", err))
	}
	return nil
}

// buildIssued 把 DER 鏈組成回傳物，葉憑證在前、其餘進 chain
func buildIssued(derChain [][]byte, certKey *ecdsa.PrivateKey) (*IssuedCertificate, error) {
	leaf, err := x509.ParseCertificate(derChain[0])
	if err != nil {
		return nil, fmt.Errorf("葉憑證解析失敗: %w", err)
	}

	var certPEM, chainPEM []byte
	for i, der := range derChain {
		b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		if i == 0 {
			certPEM = b
		} else {
			chainPEM = append(chainPEM, b...)
		}
	}

	logrus.Infof("✅ [ACME] 簽發成功: %v (到期: %s)", leaf.DNSNames, leaf.NotAfter.Format("2006-01-02"))

	return &IssuedCertificate{
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  string(certcrypto.PEMEncode(certKey)),
		ChainPEM:       string(chainPEM),
		Issuer:         leaf.Issuer.CommonName,
		SerialNumber:   leaf.SerialNumber.Text(16),
		SANs:           leaf.DNSNames,
		IssuedAt:       leaf.NotBefore,
		ExpiresAt:      leaf.NotAfter,
	}, nil
}

// mapAcmeError 轉換 CA 端錯誤：429 映射為 RateLimitedError 帶 Retry-After
func mapAcmeError(err error) error {
	var acmeErr *acme.Error
	if errors.As(err, &acmeErr) && acmeErr.StatusCode == http.StatusTooManyRequests {
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(acmeErr.Header)}
	}
	return err
}

// parseRetryAfter 解析 Retry-After (秒數或 HTTP 日期)，解析不了給 1 小時
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return time.Hour
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Hour
}
