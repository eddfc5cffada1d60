package service

import (
	"context"
	"testing"
	"time"

	"certkeeper/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	now := time.Now()
	cfg := &domain.RuntimeConfig{WarningDays: 30, CriticalDays: 7}

	cases := []struct {
		name      string
		expiresIn time.Duration
		want      string
	}{
		{"還有 100 天", 100 * 24 * time.Hour, HealthOK},
		{"剩 31 天", 31 * 24 * time.Hour, HealthOK},
		{"剩 30 天進警告", 30 * 24 * time.Hour, HealthWarning},
		{"剩 15 天", 15 * 24 * time.Hour, HealthWarning},
		{"剩 7 天進緊急", 7 * 24 * time.Hour, HealthCritical},
		{"剩 1 天", 25 * time.Hour, HealthCritical},
		{"已過期", -24 * time.Hour, HealthExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cert := &domain.Certificate{ExpiresAt: now.Add(tc.expiresIn)}
			assert.Equal(t, tc.want, Classify(cert, now, cfg))
		})
	}

	t.Run("error 狀態在警告窗口內升級為緊急", func(t *testing.T) {
		cert := &domain.Certificate{
			Status:    domain.StatusError,
			ExpiresAt: now.Add(15 * 24 * time.Hour),
		}
		assert.Equal(t, HealthCritical, Classify(cert, now, cfg))
	})
}

func TestEvaluateAllDrivesTransitions(t *testing.T) {
	repo := newFakeRepo()
	notifier := NewNotifierService(repo)
	m := NewMonitorService(repo, notifier)

	// active 且進入續簽窗口 -> renewal_needed
	windowed := seedBatchCert(repo, "windowed.example.com", domain.StatusActive, 10*24*time.Hour)
	// active 但已過期 -> expired
	lapsed := seedBatchCert(repo, "lapsed.example.com", domain.StatusActive, -24*time.Hour)
	// error 且已過期 -> expired
	erroredLapsed := seedBatchCert(repo, "errored.example.com", domain.StatusError, -48*time.Hour)
	// 健康的不動
	healthy := seedBatchCert(repo, "healthy.example.com", domain.StatusActive, 200*24*time.Hour)

	require.NoError(t, m.EvaluateAll(context.Background()))

	get := func(id *domain.Certificate) string {
		c, err := repo.GetByID(context.Background(), id.ID)
		require.NoError(t, err)
		return c.Status
	}
	assert.Equal(t, domain.StatusRenewalNeeded, get(windowed))
	assert.Equal(t, domain.StatusExpired, get(lapsed))
	assert.Equal(t, domain.StatusExpired, get(erroredLapsed))
	assert.Equal(t, domain.StatusActive, get(healthy))
}

func TestEvaluateAllAlertCooldown(t *testing.T) {
	repo := newFakeRepo()
	notifier := NewNotifierService(repo)
	m := NewMonitorService(repo, notifier)

	cert := seedBatchCert(repo, "warn.example.com", domain.StatusActive, 10*24*time.Hour)

	require.NoError(t, m.EvaluateAll(context.Background()))
	first, err := repo.GetByID(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.False(t, first.LastAlertTime.IsZero(), "首次告警應記錄時間")

	// 再跑一輪，冷卻內不重發，時間不變
	require.NoError(t, m.EvaluateAll(context.Background()))
	second, err := repo.GetByID(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, first.LastAlertTime, second.LastAlertTime)
}
