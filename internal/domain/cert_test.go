package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    string
		to      string
		allowed bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusRenewalNeeded, false},
		{StatusActive, StatusRenewalNeeded, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusActive, true},
		{StatusRenewalNeeded, StatusActive, true},
		{StatusError, StatusActive, true},
		{StatusError, StatusError, true},
		{StatusExpired, StatusPending, true},
		{StatusExpired, StatusActive, false}, // 過期必須重走簽發流程
		{StatusExpired, StatusRevoked, true},
		{StatusRevoked, StatusActive, false}, // 終態
		{StatusRevoked, StatusPending, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTransition(t *testing.T) {
	cert := &Certificate{Status: StatusActive}
	require.NoError(t, cert.Transition(StatusRenewalNeeded))
	assert.Equal(t, StatusRenewalNeeded, cert.Status)

	err := cert.Transition(StatusPending)
	var ist *InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, StatusRenewalNeeded, ist.From)
	assert.Equal(t, StatusPending, ist.To)
	// 失敗的轉移不改狀態
	assert.Equal(t, StatusRenewalNeeded, cert.Status)
}

func TestNeedsRenewal(t *testing.T) {
	now := time.Now()

	t.Run("剩 5 天且窗口 30 天", func(t *testing.T) {
		cert := &Certificate{
			AutoRenew: true,
			ExpiresAt: now.Add(5 * 24 * time.Hour),
		}
		assert.True(t, cert.NeedsRenewal(now, 30))
	})

	t.Run("剩 60 天在窗口外", func(t *testing.T) {
		cert := &Certificate{
			AutoRenew: true,
			ExpiresAt: now.Add(60 * 24 * time.Hour),
		}
		assert.False(t, cert.NeedsRenewal(now, 30))
	})

	t.Run("憑證自帶窗口優先於預設", func(t *testing.T) {
		cert := &Certificate{
			AutoRenew:       true,
			RenewalLeadDays: 7,
			ExpiresAt:       now.Add(20 * 24 * time.Hour),
		}
		assert.False(t, cert.NeedsRenewal(now, 30))
	})

	t.Run("關閉自動續簽就不進窗口", func(t *testing.T) {
		cert := &Certificate{
			AutoRenew: false,
			ExpiresAt: now.Add(1 * 24 * time.Hour),
		}
		assert.False(t, cert.NeedsRenewal(now, 30))
	})
}

func TestDaysUntilExpiry(t *testing.T) {
	now := time.Now()
	cert := &Certificate{ExpiresAt: now.Add(10*24*time.Hour + time.Minute)}
	assert.Equal(t, 10, cert.DaysUntilExpiry(now))

	expired := &Certificate{ExpiresAt: now.Add(-3 * 24 * time.Hour)}
	assert.Equal(t, -3, expired.DaysUntilExpiry(now))
	assert.True(t, expired.IsExpired(now))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "ChallengeValidationFailed",
		ErrorCode(fmt.Errorf("%w: 授權被 CA 拒絕", ErrChallengeValidationFailed)))
	assert.Equal(t, "OrderTimeout",
		ErrorCode(fmt.Errorf("%w: 訂單等待逾時", ErrOrderTimeout)))
	assert.Equal(t, "RateLimited",
		ErrorCode(&RateLimitedError{RetryAfter: time.Hour}))
	assert.Equal(t, "InvalidStateTransition",
		ErrorCode(&InvalidStateTransitionError{From: StatusRevoked, To: StatusActive}))
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "boom", ErrorCode(errors.New("boom")))
}
