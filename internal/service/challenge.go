package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certkeeper/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"
)

const (
	challengePollInterval = 3 * time.Second
	challengePollTimeout  = 2 * time.Minute
)

// ChallengeDriver 解決單一域名的一種 ACME 挑戰：
// 發佈挑戰材料 -> 通知 CA 驗證 -> 輪詢授權直到 valid / invalid。
// 無論結果如何，離開前都會撤除已發佈的材料。
type ChallengeDriver interface {
	Type() string
	Solve(ctx context.Context, client *acme.Client, authz *acme.Authorization, domainName string) error
}

// pickChallenge 從授權中挑出指定類型的挑戰
func pickChallenge(authz *acme.Authorization, challengeType string) *acme.Challenge {
	for _, chal := range authz.Challenges {
		if chal.Type == challengeType {
			return chal
		}
	}
	return nil
}

// acceptAndPoll 通知 CA 驗證挑戰，然後輪詢授權狀態。
// 回傳 ErrChallengeValidationFailed (CA 判定失敗) 或 ErrValidationTimeout (等不到結果)。
func acceptAndPoll(ctx context.Context, client *acme.Client, chal *acme.Challenge, authzURL, domainName string) error {
	if _, err := client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("%w: accept 失敗: %v", domain.ErrChallengeValidationFailed, err)
	}

	poll := func() (struct{}, error) {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return struct{}{}, err
		}
		switch authz.Status {
		case acme.StatusValid:
			return struct{}{}, nil
		case acme.StatusInvalid:
			// CA 已下判決，重試沒有意義
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: 授權被 CA 拒絕 (%s)", domain.ErrChallengeValidationFailed, domainName))
		default:
			return struct{}{}, fmt.Errorf("授權尚未完成: %s", authz.Status)
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = challengePollInterval

	_, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(exp),
		backoff.WithMaxElapsedTime(challengePollTimeout),
	)
	if err == nil {
		logrus.Infof("✅ [Challenge] %s 驗證通過", domainName)
		return nil
	}
	if e := ctx.Err(); e != nil {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, e)
	}
	// Permanent 錯誤由 backoff 解包後原樣回傳
	if errors.Is(err, domain.ErrChallengeValidationFailed) {
		return err
	}
	return fmt.Errorf("%w: %s 驗證逾時: %v", domain.ErrValidationTimeout, domainName, err)
}

// =============================================================================
// HTTP-01
// =============================================================================

type http01Driver struct {
	Provisioner HTTPProvisioner
}

func NewHTTP01Driver(p HTTPProvisioner) ChallengeDriver {
	return &http01Driver{Provisioner: p}
}

func (d *http01Driver) Type() string { return domain.ChallengeHTTP01 }

func (d *http01Driver) Solve(ctx context.Context, client *acme.Client, authz *acme.Authorization, domainName string) error {
	chal := pickChallenge(authz, domain.ChallengeHTTP01)
	if chal == nil {
		return fmt.Errorf("%w: CA 未提供 http-01 (%s)", domain.ErrUnsupportedChallenge, domainName)
	}

	keyAuth, err := client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return err
	}

	if err := d.Provisioner.Present(ctx, domainName, chal.Token, keyAuth); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}
	defer func() {
		if err := d.Provisioner.Cleanup(context.Background(), domainName, chal.Token); err != nil {
			logrus.Warnf("⚠️ [HTTP-01] 挑戰檔清除失敗 %s: %v", domainName, err)
		}
	}()

	return acceptAndPoll(ctx, client, chal, authz.URI, domainName)
}

// =============================================================================
// DNS-01
// =============================================================================

type dns01Driver struct {
	Provisioner DNSProvisioner
}

func NewDNS01Driver(p DNSProvisioner) ChallengeDriver {
	return &dns01Driver{Provisioner: p}
}

func (d *dns01Driver) Type() string { return domain.ChallengeDNS01 }

func (d *dns01Driver) Solve(ctx context.Context, client *acme.Client, authz *acme.Authorization, domainName string) error {
	chal := pickChallenge(authz, domain.ChallengeDNS01)
	if chal == nil {
		return fmt.Errorf("%w: CA 未提供 dns-01 (%s)", domain.ErrUnsupportedChallenge, domainName)
	}

	value, err := client.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return err
	}
	record := domain.DNS01Record{
		FQDN:  "_acme-challenge." + domainName,
		Value: value,
	}

	if err := d.Provisioner.Present(ctx, record.FQDN, record.Value); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}
	defer func() {
		if err := d.Provisioner.Cleanup(context.Background(), record.FQDN, record.Value); err != nil {
			logrus.Warnf("⚠️ [DNS-01] TXT 紀錄清除失敗 %s: %v", record.FQDN, err)
		}
	}()

	return acceptAndPoll(ctx, client, chal, authz.URI, domainName)
}
