package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CertIssuer 依憑證類型簽發新憑證
type CertIssuer interface {
	Issue(ctx context.Context, cert *domain.Certificate) (*IssuedCertificate, error)
}

// acmeIssuer 把 AcmeOrderClient 接成 CertIssuer
type acmeIssuer struct {
	Client *AcmeOrderClient
}

func NewACMEIssuer(client *AcmeOrderClient) CertIssuer {
	return &acmeIssuer{Client: client}
}

func (a *acmeIssuer) Issue(ctx context.Context, cert *domain.Certificate) (*IssuedCertificate, error) {
	domains := append([]string{cert.DomainName}, cert.SANs...)
	return a.Client.Obtain(ctx, dedup(domains), cert.AcmeEmail, cert.ChallengeType)
}

// selfSignedAdapter 自簽路徑不走網路
type selfSignedAdapter struct {
	Issuer *SelfSignedIssuer
}

func NewSelfSignedCertIssuer() CertIssuer {
	return &selfSignedAdapter{Issuer: NewSelfSignedIssuer()}
}

func (s *selfSignedAdapter) Issue(ctx context.Context, cert *domain.Certificate) (*IssuedCertificate, error) {
	return s.Issuer.Issue(cert.DomainName, cert.SANs)
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// RenewalExecutor 執行單張憑證的續簽。
// 同一張憑證同時只允許一個續簽在跑 (in-flight 鎖是唯一仲裁者)。
type RenewalExecutor struct {
	Repo    repository.CertificateRepository
	Issuers map[string]CertIssuer // key: cert type

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRenewalExecutor(repo repository.CertificateRepository, issuers map[string]CertIssuer) *RenewalExecutor {
	return &RenewalExecutor{
		Repo:     repo,
		Issuers:  issuers,
		inflight: make(map[string]struct{}),
	}
}

// tryLock 取得該憑證的 in-flight 鎖
func (e *RenewalExecutor) tryLock(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *RenewalExecutor) unlock(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// Renew 對單張憑證執行一次續簽嘗試。
// 不論成功失敗都會留下一筆 RenewalLog (被鎖擋下的併發請求除外)。
func (e *RenewalExecutor) Renew(ctx context.Context, certID primitive.ObjectID, kind string) (*domain.RenewalLog, error) {
	idHex := certID.Hex()
	if !e.tryLock(idHex) {
		return nil, domain.ErrRenewalInProgress
	}
	defer e.unlock(idHex)

	cert, err := e.Repo.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status == domain.StatusRevoked {
		return nil, domain.ErrCertRevoked
	}

	cfg, err := e.Repo.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	// 自動續簽在窗口外就短路：不簽發、不耗 CA 配額，但留下成功紀錄
	if kind == domain.RenewalAutomatic && cert.Status == domain.StatusActive &&
		!cert.NeedsRenewal(now, cfg.RenewalLeadDays) {
		log := &domain.RenewalLog{
			CertificateID: cert.ID,
			Kind:          kind,
			Outcome:       domain.OutcomeSuccess,
			PriorExpiry:   cert.ExpiresAt,
			NewExpiry:     cert.ExpiresAt,
		}
		if err := e.Repo.AppendRenewalLog(ctx, log); err != nil {
			return nil, err
		}
		logrus.Debugf("⏭ [Renew] %s 尚未進入續簽窗口，略過", cert.DomainName)
		return log, nil
	}

	// 已過期的憑證要重新走簽發流程，先落地 expired -> pending
	if cert.Status == domain.StatusExpired {
		if err := e.Repo.UpdateStatus(ctx, cert.ID, domain.StatusExpired, domain.StatusPending); err != nil {
			return nil, err
		}
		cert.Status = domain.StatusPending
	}

	start := time.Now()
	issued, issueErr := e.issue(ctx, cert)
	duration := time.Since(start)

	log := &domain.RenewalLog{
		CertificateID: cert.ID,
		Kind:          kind,
		PriorExpiry:   cert.ExpiresAt,
		DurationMs:    duration.Milliseconds(),
	}
	cert.LastRenewalAttempt = time.Now()

	if issueErr != nil {
		log.Outcome = domain.OutcomeFailed
		log.ErrorMsg = domain.ErrorCode(issueErr)
		cert.LastError = log.ErrorMsg
		if terr := cert.Transition(domain.StatusError); terr != nil {
			// 理論上到不了這裡，狀態機允許所有進行中狀態轉 error
			logrus.Warnf("⚠️ [Renew] %s 狀態轉移失敗: %v", cert.DomainName, terr)
		}
		// 被取消的嘗試也必須落地 Failed 紀錄，改用不受取消影響的 context 寫入
		persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancelPersist()
		if aerr := e.Repo.ApplyRenewal(persistCtx, cert, log); aerr != nil {
			return nil, aerr
		}
		logrus.Errorf("❌ [Renew] %s 續簽失敗: %v (耗時 %s)", cert.DomainName, issueErr, duration)
		return log, issueErr
	}

	// 成功：換上新材料並回到 active
	cert.CertificatePEM = issued.CertificatePEM
	cert.PrivateKeyPEM = issued.PrivateKeyPEM
	cert.ChainPEM = issued.ChainPEM
	cert.Issuer = issued.Issuer
	cert.SerialNumber = issued.SerialNumber
	cert.SANs = issued.SANs
	cert.IssuedAt = issued.IssuedAt
	cert.ExpiresAt = issued.ExpiresAt
	cert.LastError = ""
	cert.IsActive = true

	if terr := cert.Transition(domain.StatusActive); terr != nil {
		return nil, terr
	}

	log.Outcome = domain.OutcomeSuccess
	log.NewExpiry = issued.ExpiresAt

	// 簽發成功即取而代之：同域名其他憑證一律停用，維持 (domain, active) 唯一
	if err := e.Repo.DeactivateOthers(ctx, cert.DomainName, cert.ID); err != nil {
		return nil, err
	}
	if err := e.Repo.ApplyRenewal(ctx, cert, log); err != nil {
		return nil, err
	}

	logrus.Infof("✅ [Renew] %s 續簽成功，新到期日 %s (耗時 %s)",
		cert.DomainName, issued.ExpiresAt.Format("2006-01-02"), duration)
	return log, nil
}

// issue 依類型分派簽發
func (e *RenewalExecutor) issue(ctx context.Context, cert *domain.Certificate) (*IssuedCertificate, error) {
	if cert.CertType == domain.TypeUserUploaded {
		return nil, fmt.Errorf("%w: 上傳憑證需重新上傳", domain.ErrManualRenewalRequired)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	issuer, ok := e.Issuers[cert.CertType]
	if !ok {
		return nil, fmt.Errorf("不支援的憑證類型: %s", cert.CertType)
	}

	issued, err := issuer.Issue(ctx, cert)
	if err != nil && ctx.Err() != nil && !errors.Is(err, domain.ErrCancelled) {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	return issued, err
}
