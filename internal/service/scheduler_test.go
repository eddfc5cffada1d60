package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"certkeeper/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(repo *fakeRepo, issuer CertIssuer) *SchedulerService {
	exec := newTestExecutor(repo, issuer)
	notifier := NewNotifierService(repo)
	monitor := NewMonitorService(repo, notifier)
	return NewSchedulerService(repo, exec, monitor, notifier)
}

func seedBatchCert(repo *fakeRepo, name string, status string, expiresIn time.Duration) *domain.Certificate {
	cert := &domain.Certificate{
		DomainName: name,
		CertName:   name,
		CertType:   domain.TypeFreeAcme,
		Status:     status,
		AutoRenew:  true,
		IsActive:   true,
		ExpiresAt:  time.Now().Add(expiresIn),
	}
	repo.put(cert)
	return cert
}

func TestRunBatchSelection(t *testing.T) {
	repo := newFakeRepo()
	issuer := &fakeIssuer{}
	s := newTestScheduler(repo, issuer)

	// 窗口內 (預設 30 天)
	inWindow := seedBatchCert(repo, "in-window.example.com", domain.StatusRenewalNeeded, 10*24*time.Hour)
	// error 狀態也重試
	errored := seedBatchCert(repo, "errored.example.com", domain.StatusError, 5*24*time.Hour)
	// 窗口外的 renewal_needed 不撿
	seedBatchCert(repo, "far.example.com", domain.StatusRenewalNeeded, 90*24*time.Hour)
	// auto_renew 關閉的不撿
	off := seedBatchCert(repo, "off.example.com", domain.StatusRenewalNeeded, 10*24*time.Hour)
	off.AutoRenew = false
	repo.put(off)
	// active 不是候選狀態
	seedBatchCert(repo, "active.example.com", domain.StatusActive, 10*24*time.Hour)

	result, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	for _, id := range []*domain.Certificate{inWindow, errored} {
		cert, _ := repo.GetByID(context.Background(), id.ID)
		assert.Equal(t, domain.StatusActive, cert.Status, cert.DomainName)
	}
}

func TestRunBatchRespectsBatchSize(t *testing.T) {
	repo := newFakeRepo()
	cfg := repo.config
	cfg.BatchSize = 3
	repo.config = cfg

	for i := 0; i < 5; i++ {
		seedBatchCert(repo, fmt.Sprintf("cert%d.example.com", i), domain.StatusRenewalNeeded,
			time.Duration(i+1)*24*time.Hour)
	}

	issuer := &fakeIssuer{}
	s := newTestScheduler(repo, issuer)

	result, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, issuer.calls)
}

func TestRunBatchConcurrencyLimit(t *testing.T) {
	repo := newFakeRepo()
	cfg := repo.config
	cfg.MaxConcurrent = 3
	cfg.BatchSize = 10
	repo.config = cfg

	for i := 0; i < 10; i++ {
		seedBatchCert(repo, fmt.Sprintf("cert%d.example.com", i), domain.StatusRenewalNeeded,
			time.Duration(i+1)*24*time.Hour)
	}

	issuer := &fakeIssuer{delay: 30 * time.Millisecond}
	s := newTestScheduler(repo, issuer)

	result, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 10, result.Succeeded+result.Failed+result.Skipped)
	assert.LessOrEqual(t, issuer.peak, int32(3), "併發不可超過 MaxConcurrent")
}

func TestRunBatchDisabled(t *testing.T) {
	repo := newFakeRepo()
	cfg := repo.config
	cfg.AutoRenewEnabled = false
	repo.config = cfg
	seedBatchCert(repo, "a.example.com", domain.StatusRenewalNeeded, 5*24*time.Hour)

	issuer := &fakeIssuer{}
	s := newTestScheduler(repo, issuer)

	result, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
	assert.Zero(t, issuer.calls)
}

func TestRunBatchCountsFailures(t *testing.T) {
	repo := newFakeRepo()
	seedBatchCert(repo, "fail.example.com", domain.StatusRenewalNeeded, 5*24*time.Hour)

	issuer := &fakeIssuer{err: domain.ErrOrderTimeout}
	s := newTestScheduler(repo, issuer)

	result, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	// 連續失敗計數有累計
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.failures, 1)
}
