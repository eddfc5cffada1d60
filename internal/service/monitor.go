package service

import (
	"context"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"

	"github.com/sirupsen/logrus"
)

// 監控分類結果
const (
	HealthOK       = "ok"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthExpired  = "expired"
)

// 同一張憑證的告警最短間隔
const alertCooldown = 24 * time.Hour

// Classify 依剩餘天數分類憑證健康度 (純函式，門檻取自 RuntimeConfig)
func Classify(cert *domain.Certificate, now time.Time, cfg *domain.RuntimeConfig) string {
	// 尚未簽發成功的憑證沒有到期日，不參與分級
	if cert.ExpiresAt.IsZero() {
		return HealthOK
	}
	if cert.IsExpired(now) {
		return HealthExpired
	}
	days := cert.DaysUntilExpiry(now)
	if days <= cfg.CriticalDays {
		return HealthCritical
	}
	if days <= cfg.WarningDays {
		// 續簽已經在失敗的憑證接近到期，直接升級
		if cert.Status == domain.StatusError {
			return HealthCritical
		}
		return HealthWarning
	}
	return HealthOK
}

// MonitorService 週期性評估所有啟用中憑證：
// 推動 active -> renewal_needed 與 -> expired 的狀態轉移，並發出分級告警。
type MonitorService struct {
	Repo     repository.CertificateRepository
	Notifier *NotifierService
}

func NewMonitorService(repo repository.CertificateRepository, notifier *NotifierService) *MonitorService {
	return &MonitorService{Repo: repo, Notifier: notifier}
}

// EvaluateAll 跑一輪完整評估
func (m *MonitorService) EvaluateAll(ctx context.Context) error {
	start := time.Now()
	cfg, err := m.Repo.GetRuntimeConfig(ctx)
	if err != nil {
		return err
	}

	certs, err := m.Repo.ListMonitored(ctx)
	if err != nil {
		return err
	}

	logrus.Infof("🔍 [Monitor] 開始評估 %d 張憑證", len(certs))

	now := time.Now()
	for i := range certs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.evaluateOne(ctx, &certs[i], now, cfg)
	}

	// 評估完留一筆健康統計
	if stats, err := m.Repo.GetStatistics(ctx, now); err == nil {
		logrus.Infof("📊 [Monitor] 統計: 總數 %d / 有效 %d / 已過期 %d / 即將到期 %d (耗時 %s)",
			stats.Total, stats.Active, stats.Expired, stats.ExpiringSoon, time.Since(start))
	}
	return nil
}

func (m *MonitorService) evaluateOne(ctx context.Context, cert *domain.Certificate, now time.Time, cfg *domain.RuntimeConfig) {
	health := Classify(cert, now, cfg)

	// 1. 過期偵測：active / renewal_needed / error 都可能走到 expired
	if health == HealthExpired && cert.Status != domain.StatusExpired && cert.Status != domain.StatusPending {
		if domain.CanTransition(cert.Status, domain.StatusExpired) {
			if err := m.Repo.UpdateStatus(ctx, cert.ID, cert.Status, domain.StatusExpired); err != nil {
				logrus.Warnf("⚠️ [Monitor] %s 過期標記失敗: %v", cert.DomainName, err)
				return
			}
			cert.Status = domain.StatusExpired
			logrus.Warnf("⏰ [Monitor] %s 已過期", cert.DomainName)
		}
	}

	// 2. 窗口偵測：active 進入續簽窗口就轉 renewal_needed，交給排程撿走
	if cert.Status == domain.StatusActive && cert.NeedsRenewal(now, cfg.RenewalLeadDays) {
		if err := m.Repo.UpdateStatus(ctx, cert.ID, domain.StatusActive, domain.StatusRenewalNeeded); err != nil {
			logrus.Warnf("⚠️ [Monitor] %s 窗口標記失敗: %v", cert.DomainName, err)
		} else {
			cert.Status = domain.StatusRenewalNeeded
			logrus.Infof("🔔 [Monitor] %s 進入續簽窗口 (剩 %d 天)", cert.DomainName, cert.DaysUntilExpiry(now))
		}
	}

	// 3. 分級告警，帶冷卻避免重複轟炸
	if health == HealthOK {
		return
	}
	if !cert.LastAlertTime.IsZero() && now.Sub(cert.LastAlertTime) < alertCooldown {
		return
	}

	m.Notifier.Notify(AlertEvent{
		Level:      health,
		DomainName: cert.DomainName,
		Status:     cert.Status,
		DaysLeft:   cert.DaysUntilExpiry(now),
		ExpiresAt:  cert.ExpiresAt,
		Reason:     alertReason(health),
	})
	if err := m.Repo.UpdateAlertTime(ctx, cert.ID, now); err != nil {
		logrus.Warnf("⚠️ [Monitor] %s 告警時間更新失敗: %v", cert.DomainName, err)
	}
}

func alertReason(health string) string {
	switch health {
	case HealthExpired:
		return "憑證已過期"
	case HealthCritical:
		return "憑證即將到期 (緊急)"
	case HealthWarning:
		return "憑證即將到期"
	default:
		return ""
	}
}
