package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"certkeeper/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(repo *fakeRepo, issuer CertIssuer) *RenewalExecutor {
	return NewRenewalExecutor(repo, map[string]CertIssuer{
		domain.TypeFreeAcme:   issuer,
		domain.TypeSelfSigned: issuer,
	})
}

func seedCert(repo *fakeRepo, status string, expiresIn time.Duration) *domain.Certificate {
	cert := &domain.Certificate{
		DomainName: "example.com",
		CertName:   "example.com",
		CertType:   domain.TypeFreeAcme,
		Status:     status,
		AutoRenew:  true,
		IsActive:   true,
		ExpiresAt:  time.Now().Add(expiresIn),
	}
	repo.put(cert)
	return cert
}

func TestRenewSuccess(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)
	exec := newTestExecutor(repo, &fakeIssuer{})

	log, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, log.Outcome)
	assert.Equal(t, cert.ExpiresAt, log.PriorExpiry)
	assert.True(t, log.NewExpiry.After(log.PriorExpiry))

	updated, err := repo.GetByID(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.Empty(t, updated.LastError)
	assert.NotEmpty(t, updated.CertificatePEM)
}

func TestRenewFailureRecordsErrorCode(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)
	exec := newTestExecutor(repo, &fakeIssuer{err: domain.ErrChallengeValidationFailed})

	log, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeFailed, log.Outcome)
	assert.Equal(t, "ChallengeValidationFailed", log.ErrorMsg)

	updated, _ := repo.GetByID(context.Background(), cert.ID)
	assert.Equal(t, domain.StatusError, updated.Status)
	assert.Equal(t, "ChallengeValidationFailed", updated.LastError)
}

func TestRenewRevokedRejected(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRevoked, 10*24*time.Hour)
	exec := newTestExecutor(repo, &fakeIssuer{})

	_, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	assert.ErrorIs(t, err, domain.ErrCertRevoked)
	// 被擋下的請求不留紀錄
	logs, _, _ := repo.ListRenewalLogs(context.Background(), cert.ID, 1, 10)
	assert.Empty(t, logs)
}

func TestRenewUploadedNeedsManual(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)
	cert.CertType = domain.TypeUserUploaded
	repo.put(cert)
	exec := newTestExecutor(repo, &fakeIssuer{})

	log, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	assert.ErrorIs(t, err, domain.ErrManualRenewalRequired)
	assert.Equal(t, "ManualRenewalRequired", log.ErrorMsg)
}

func TestRenewConcurrentSameCert(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)

	block := make(chan struct{})
	exec := newTestExecutor(repo, &fakeIssuer{block: block})

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
		assert.NoError(t, err)
	}()

	<-started
	// 等第一個進到 Issue 並卡住
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		_, busy := exec.inflight[cert.ID.Hex()]
		return busy
	}, time.Second, 5*time.Millisecond)

	_, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	assert.ErrorIs(t, err, domain.ErrRenewalInProgress)

	close(block)
	wg.Wait()

	// 只有第一個請求留下紀錄
	logs, _, _ := repo.ListRenewalLogs(context.Background(), cert.ID, 1, 10)
	assert.Len(t, logs, 1)
}

func TestRenewSuccessDeactivatesOthers(t *testing.T) {
	repo := newFakeRepo()
	// 同域名留著一張失敗中的舊憑證，換約成功後必須被停用
	stale := seedCert(repo, domain.StatusError, 3*24*time.Hour)
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)
	exec := newTestExecutor(repo, &fakeIssuer{})

	_, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	require.NoError(t, err)

	prev, err := repo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)

	renewed, err := repo.GetByID(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.True(t, renewed.IsActive)
}

func TestRenewCancelledPersistsFailedLog(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)
	issuer := &fakeIssuer{block: make(chan struct{})}
	exec := newTestExecutor(repo, issuer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := exec.Renew(ctx, cert.ID, domain.RenewalManual)
		done <- err
	}()

	// 等進到 Issue 卡住再取消
	require.Eventually(t, func() bool {
		issuer.mu.Lock()
		defer issuer.mu.Unlock()
		return issuer.calls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, domain.ErrCancelled)

	// 取消的嘗試也要落地 Failed 紀錄，狀態明確收在 error
	logs, _, _ := repo.ListRenewalLogs(context.Background(), cert.ID, 1, 10)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeFailed, logs[0].Outcome)
	assert.Equal(t, "Cancelled", logs[0].ErrorMsg)

	updated, err := repo.GetByID(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, updated.Status)
	assert.Equal(t, "Cancelled", updated.LastError)
}

func TestRenewAutomaticShortCircuit(t *testing.T) {
	repo := newFakeRepo()
	// active 且離到期還很遠
	cert := seedCert(repo, domain.StatusActive, 200*24*time.Hour)
	issuer := &fakeIssuer{}
	exec := newTestExecutor(repo, issuer)

	log, err := exec.Renew(context.Background(), cert.ID, domain.RenewalAutomatic)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, log.Outcome)
	assert.Equal(t, log.PriorExpiry, log.NewExpiry)
	assert.Zero(t, issuer.calls, "窗口外的自動續簽不該打到 CA")

	// 強制續簽忽略窗口
	_, err = exec.Renew(context.Background(), cert.ID, domain.RenewalForced)
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.calls)
}

func TestRenewExpiredGoesThroughPending(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusExpired, -5*24*time.Hour)
	exec := newTestExecutor(repo, &fakeIssuer{})

	log, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, log.Outcome)

	updated, _ := repo.GetByID(context.Background(), cert.ID)
	assert.Equal(t, domain.StatusActive, updated.Status)
}

func TestRenewLogsAppendOnly(t *testing.T) {
	repo := newFakeRepo()
	cert := seedCert(repo, domain.StatusRenewalNeeded, 10*24*time.Hour)
	issuer := &fakeIssuer{err: domain.ErrOrderTimeout}
	exec := newTestExecutor(repo, issuer)

	_, _ = exec.Renew(context.Background(), cert.ID, domain.RenewalManual)

	issuer.mu.Lock()
	issuer.err = nil
	issuer.mu.Unlock()
	// 失敗後狀態是 error，仍可再續簽
	_, err := exec.Renew(context.Background(), cert.ID, domain.RenewalManual)
	require.NoError(t, err)

	logs, _, _ := repo.ListRenewalLogs(context.Background(), cert.ID, 1, 10)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.OutcomeFailed, logs[0].Outcome)
	assert.Equal(t, domain.OutcomeSuccess, logs[1].Outcome)
}
