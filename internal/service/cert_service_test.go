package service

import (
	"context"
	"testing"
	"time"

	"certkeeper/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCertService(repo *fakeRepo, issuer CertIssuer) *CertService {
	exec := newTestExecutor(repo, issuer)
	return NewCertService(repo, exec, nil)
}

func TestValidateDomainName(t *testing.T) {
	valid := []string{"example.com", "sub.example.com", "a-b.example.co.uk", "*.example.com"}
	for _, d := range valid {
		assert.NoError(t, ValidateDomainName(d), d)
	}

	invalid := []string{"", "example", "-bad.example.com", "exa mple.com", "*.*.example.com", "http://example.com"}
	for _, d := range invalid {
		assert.ErrorIs(t, ValidateDomainName(d), domain.ErrInvalidDomain, d)
	}
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("admin@example.com"))
	assert.ErrorIs(t, ValidateEmail("not-an-email"), domain.ErrInvalidEmail)
	assert.ErrorIs(t, ValidateEmail(""), domain.ErrInvalidEmail)
}

func TestRequestRejectsDuplicateActive(t *testing.T) {
	repo := newFakeRepo()
	seedBatchCert(repo, "dup.example.com", domain.StatusActive, 60*24*time.Hour)

	s := newTestCertService(repo, &fakeIssuer{})
	_, err := s.Request(context.Background(), RequestCertInput{
		DomainName: "dup.example.com",
		AcmeEmail:  "admin@example.com",
	})
	assert.ErrorIs(t, err, domain.ErrActiveCertExists)
}

func TestRequestRejectsActiveFlaggedNonActiveStatus(t *testing.T) {
	repo := newFakeRepo()
	// error 中但 is_active 的憑證仍佔用該域名，不能再開第二張
	old := seedBatchCert(repo, "stuck.example.com", domain.StatusError, 20*24*time.Hour)

	s := newTestCertService(repo, &fakeIssuer{})
	_, err := s.Request(context.Background(), RequestCertInput{
		DomainName: "stuck.example.com",
		AcmeEmail:  "admin@example.com",
	})
	assert.ErrorIs(t, err, domain.ErrActiveCertExists)

	certs, err := repo.GetByDomain(context.Background(), "stuck.example.com")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, old.ID, certs[0].ID)
	assert.True(t, certs[0].IsActive)
}

func TestRequestIssuesImmediately(t *testing.T) {
	repo := newFakeRepo()
	s := newTestCertService(repo, &fakeIssuer{})

	cert, err := s.Request(context.Background(), RequestCertInput{
		DomainName: "new.example.com",
		AcmeEmail:  "admin@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, cert.Status)
	assert.Equal(t, domain.TypeFreeAcme, cert.CertType)
	assert.Equal(t, domain.ChallengeHTTP01, cert.ChallengeType)
	assert.True(t, cert.AutoRenew)
}

func TestRequestFailureLeavesErrorState(t *testing.T) {
	repo := newFakeRepo()
	s := newTestCertService(repo, &fakeIssuer{err: domain.ErrChallengeValidationFailed})

	cert, err := s.Request(context.Background(), RequestCertInput{
		DomainName: "fail.example.com",
		AcmeEmail:  "admin@example.com",
	})
	require.Error(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, domain.StatusError, cert.Status)
	assert.Equal(t, "ChallengeValidationFailed", cert.LastError)
}

func TestRequestWildcardNeedsDNS01(t *testing.T) {
	repo := newFakeRepo()
	s := newTestCertService(repo, &fakeIssuer{})

	_, err := s.Request(context.Background(), RequestCertInput{
		DomainName: "*.example.com",
		AcmeEmail:  "admin@example.com",
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChallenge)

	cert, err := s.Request(context.Background(), RequestCertInput{
		DomainName:    "*.example.com",
		AcmeEmail:     "admin@example.com",
		ChallengeType: domain.ChallengeDNS01,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeDNS01, cert.ChallengeType)
}

func TestRequestSelfSignedSkipsEmail(t *testing.T) {
	repo := newFakeRepo()
	exec := NewRenewalExecutor(repo, map[string]CertIssuer{
		domain.TypeSelfSigned: NewSelfSignedCertIssuer(),
	})
	s := NewCertService(repo, exec, nil)

	cert, err := s.Request(context.Background(), RequestCertInput{
		DomainName: "internal.example.com",
		CertType:   domain.TypeSelfSigned,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, cert.Status)
	assert.Equal(t, "internal.example.com", cert.Issuer)
}

func TestUploadValidatesAndDeactivatesOthers(t *testing.T) {
	repo := newFakeRepo()
	old := seedBatchCert(repo, "upload.example.com", domain.StatusActive, 10*24*time.Hour)
	s := newTestCertService(repo, &fakeIssuer{})

	// 用自簽產生真實可解析的材料
	issued, err := NewSelfSignedIssuer().Issue("upload.example.com", nil)
	require.NoError(t, err)

	cert, err := s.Upload(context.Background(), UploadCertInput{
		DomainName:     "upload.example.com",
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  issued.PrivateKeyPEM,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeUserUploaded, cert.CertType)
	assert.Equal(t, domain.StatusActive, cert.Status)
	assert.False(t, cert.AutoRenew)

	// 舊的 active 憑證被停用
	prev, _ := repo.GetByID(context.Background(), old.ID)
	assert.False(t, prev.IsActive)
}

func TestUploadRejectsMismatchedDomain(t *testing.T) {
	repo := newFakeRepo()
	s := newTestCertService(repo, &fakeIssuer{})

	issued, err := NewSelfSignedIssuer().Issue("other.example.com", nil)
	require.NoError(t, err)

	_, err = s.Upload(context.Background(), UploadCertInput{
		DomainName:     "upload.example.com",
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  issued.PrivateKeyPEM,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidDomain)
}

func TestDeleteBlockedByActiveUsage(t *testing.T) {
	repo := newFakeRepo()
	cert := seedBatchCert(repo, "inuse.example.com", domain.StatusActive, 60*24*time.Hour)
	require.NoError(t, repo.CreateUsage(context.Background(), &domain.CertificateUsage{
		CertificateID: cert.ID,
		ServiceName:   "mail-gateway",
		IsActive:      true,
	}))

	s := newTestCertService(repo, &fakeIssuer{})

	err := s.Delete(context.Background(), cert.ID, false)
	assert.ErrorIs(t, err, domain.ErrUsageConflict)

	// force 解除使用關聯後刪除
	require.NoError(t, s.Delete(context.Background(), cert.ID, true))
	_, err = repo.GetByID(context.Background(), cert.ID)
	assert.ErrorIs(t, err, domain.ErrCertNotFound)

	n, _ := repo.CountActiveUsages(context.Background(), cert.ID)
	assert.Zero(t, n)
}

func TestSetAutoRenewRejectsUploaded(t *testing.T) {
	repo := newFakeRepo()
	cert := seedBatchCert(repo, "uploaded.example.com", domain.StatusActive, 60*24*time.Hour)
	cert.CertType = domain.TypeUserUploaded
	repo.put(cert)

	s := newTestCertService(repo, &fakeIssuer{})
	assert.ErrorIs(t, s.SetAutoRenew(context.Background(), cert.ID, true), domain.ErrManualRenewalRequired)
	assert.NoError(t, s.SetAutoRenew(context.Background(), cert.ID, false))
}
