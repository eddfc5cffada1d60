package domain

import (
	"errors"
	"fmt"
	"time"
)

// 錯誤碼字串同時作為 Certificate.LastError 的內容，保持可比對
var (
	ErrCertNotFound     = errors.New("CertificateNotFound")
	ErrActiveCertExists = errors.New("ActiveCertificateExists")
	ErrInvalidDomain    = errors.New("InvalidDomain")
	ErrInvalidEmail     = errors.New("InvalidEmail")

	// 續簽併發與狀態
	ErrRenewalInProgress     = errors.New("RenewalInProgress")
	ErrCertRevoked           = errors.New("CertificateRevoked")
	ErrManualRenewalRequired = errors.New("ManualRenewalRequired")
	ErrCancelled             = errors.New("Cancelled")

	// ACME 協議
	ErrUnsupportedChallenge      = errors.New("UnsupportedChallenge")
	ErrChallengeValidationFailed = errors.New("ChallengeValidationFailed")
	ErrOrderTimeout              = errors.New("OrderTimeout")
	ErrProvisioningFailed        = errors.New("ProvisioningFailed")
	ErrValidationTimeout         = errors.New("ValidationTimeout")

	// 刪除保護
	ErrUsageConflict = errors.New("UsageConflict")

	// 樂觀狀態鎖更新時發現資料已被他人改掉
	ErrStaleStatus = errors.New("StaleStatus")
)

// InvalidStateTransitionError 非法的狀態機轉移
type InvalidStateTransitionError struct {
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("InvalidStateTransition: %s -> %s", e.From, e.To)
}

// RateLimitedError ACME 伺服器限流，RetryAfter 之前不得重試
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("RateLimited: retry after %s", e.RetryAfter)
}

// ErrorCode 取出可存入 LastError 的短錯誤碼。
// 包裝鏈裡有已知 sentinel 就用它，否則退回原始訊息。
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ist *InvalidStateTransitionError
	if errors.As(err, &ist) {
		return "InvalidStateTransition"
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return "RateLimited"
	}
	for _, sentinel := range []error{
		ErrChallengeValidationFailed, ErrOrderTimeout, ErrUnsupportedChallenge,
		ErrProvisioningFailed, ErrValidationTimeout, ErrManualRenewalRequired,
		ErrRenewalInProgress, ErrCancelled, ErrCertRevoked,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
