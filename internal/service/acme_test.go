package service

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"certkeeper/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme"
)

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Hour, parseRetryAfter(h))

	h.Set("Retry-After", "120")
	assert.Equal(t, 2*time.Minute, parseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(30*time.Minute).UTC().Format(http.TimeFormat))
	d := parseRetryAfter(h)
	assert.Greater(t, d, 29*time.Minute)
	assert.LessOrEqual(t, d, 30*time.Minute)

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Hour, parseRetryAfter(h))
}

func TestMapAcmeError(t *testing.T) {
	rateLimited := &acme.Error{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"600"}},
	}
	err := mapAcmeError(fmt.Errorf("建立訂單失敗: %w", rateLimited))

	var rl *domain.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 10*time.Minute, rl.RetryAfter)
	assert.Equal(t, "RateLimited", domain.ErrorCode(err))

	// 非 429 原樣放行
	other := errors.New("boom")
	assert.Equal(t, other, mapAcmeError(other))
}

func TestBuildIssued(t *testing.T) {
	issued, err := NewSelfSignedIssuer().Issue("build.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "build.example.com", issued.Issuer)
	assert.NotEmpty(t, issued.SerialNumber)
	assert.Equal(t, []string{"build.example.com"}, issued.SANs)
	assert.True(t, issued.ExpiresAt.After(issued.IssuedAt))
}
