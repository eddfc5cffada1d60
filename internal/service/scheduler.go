package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// BatchResult 單輪批次續簽的結果彙總
type BatchResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// SchedulerService 週期性驅動批次續簽與監控評估。
// Cron 表達式存在 RuntimeConfig，改設定後呼叫 ReloadJobs 生效。
type SchedulerService struct {
	Cron     *cron.Cron
	Repo     repository.CertificateRepository
	Executor *RenewalExecutor
	Monitor  *MonitorService
	Notifier *NotifierService

	mu       sync.Mutex
	entries  []cron.EntryID
	failures map[string]int // certID -> 連續失敗次數
}

func NewSchedulerService(repo repository.CertificateRepository, executor *RenewalExecutor, monitor *MonitorService, notifier *NotifierService) *SchedulerService {
	return &SchedulerService{
		Cron:     cron.New(),
		Repo:     repo,
		Executor: executor,
		Monitor:  monitor,
		Notifier: notifier,
		failures: make(map[string]int),
	}
}

// Start 依 RuntimeConfig 註冊排程並啟動
func (s *SchedulerService) Start(ctx context.Context) error {
	if err := s.ReloadJobs(ctx); err != nil {
		return err
	}
	s.Cron.Start()
	logrus.Info("✅ 自動排程服務已啟動")
	return nil
}

// Stop 停止排程 (進行中的任務會跑完)
func (s *SchedulerService) Stop() {
	s.Cron.Stop()
}

// ReloadJobs 重新讀設定並換掉排程項目，設定 PATCH 後由外層呼叫
func (s *SchedulerService) ReloadJobs(ctx context.Context) error {
	cfg, err := s.Repo.GetRuntimeConfig(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.Cron.Remove(id)
	}
	s.entries = nil

	if !cfg.SchedulerEnabled {
		logrus.Info("⏸ [Scheduler] 排程已停用")
		return nil
	}

	renewID, err := s.Cron.AddFunc(cfg.RenewalSchedule, func() {
		logrus.Info("⏰ [Scheduler] 觸發排程任務: 批次續簽")
		if _, err := s.RunBatch(context.Background()); err != nil {
			logrus.Errorf("❌ [Scheduler] 批次續簽失敗: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.entries = append(s.entries, renewID)

	monitorID, err := s.Cron.AddFunc(cfg.MonitorSchedule, func() {
		logrus.Info("⏰ [Scheduler] 觸發排程任務: 監控評估")
		if err := s.Monitor.EvaluateAll(context.Background()); err != nil {
			logrus.Errorf("❌ [Scheduler] 監控評估失敗: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.entries = append(s.entries, monitorID)

	logrus.Infof("🔄 [Scheduler] 排程已載入 (續簽: %s / 監控: %s)", cfg.RenewalSchedule, cfg.MonitorSchedule)
	return nil
}

// RunBatch 跑一輪批次續簽：
// 撈候選 -> 窗口過濾 -> 取前 BatchSize 張 (到期日近的優先) -> 併發上限 MaxConcurrent。
func (s *SchedulerService) RunBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	result := BatchResult{}

	cfg, err := s.Repo.GetRuntimeConfig(ctx)
	if err != nil {
		return result, err
	}
	if !cfg.AutoRenewEnabled {
		logrus.Info("⏸ [Batch] 自動續簽總開關已關閉，本輪略過")
		return result, nil
	}

	candidates, err := s.Repo.ListRenewalCandidates(ctx)
	if err != nil {
		return result, err
	}

	// 窗口過濾在記憶體做：每張憑證可有自己的 lead days
	now := time.Now()
	var due []domain.Certificate
	for _, cert := range candidates {
		if cert.NeedsRenewal(now, cfg.RenewalLeadDays) || cert.IsExpired(now) {
			due = append(due, cert)
		}
	}

	// 候選已按到期日升冪排序，直接截前 BatchSize 張
	if cfg.BatchSize > 0 && len(due) > cfg.BatchSize {
		due = due[:cfg.BatchSize]
	}
	result.Total = len(due)
	if result.Total == 0 {
		logrus.Info("🏁 [Batch] 本輪無待續簽憑證")
		return result, nil
	}

	logrus.Infof("🚀 [Batch] 開始批次續簽，共 %d 張 (併發上限: %d)", result.Total, cfg.MaxConcurrent)

	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	var succeeded, failed, skipped int32

	for _, cert := range due {
		wg.Add(1)
		go func(cert domain.Certificate) {
			sem <- struct{}{}
			defer func() {
				<-sem
				wg.Done()
			}()

			_, err := s.Executor.Renew(ctx, cert.ID, domain.RenewalAutomatic)
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
				s.clearFailure(cert.ID.Hex())
			case errors.Is(err, domain.ErrRenewalInProgress):
				atomic.AddInt32(&skipped, 1)
			default:
				atomic.AddInt32(&failed, 1)
				s.recordFailure(ctx, &cert, cfg, err)
			}
		}(cert)
	}
	wg.Wait()

	result.Succeeded = int(succeeded)
	result.Failed = int(failed)
	result.Skipped = int(skipped)
	result.Duration = time.Since(start)

	logrus.Infof("🏁 [Batch] 批次完成: 成功 %d / 失敗 %d / 略過 %d (耗時 %s)",
		result.Succeeded, result.Failed, result.Skipped, result.Duration)
	return result, nil
}

func (s *SchedulerService) clearFailure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, id)
}

// recordFailure 累計連續失敗，達門檻升級為 Critical 告警
func (s *SchedulerService) recordFailure(ctx context.Context, cert *domain.Certificate, cfg *domain.RuntimeConfig, err error) {
	s.mu.Lock()
	s.failures[cert.ID.Hex()]++
	count := s.failures[cert.ID.Hex()]
	s.mu.Unlock()

	level := AlertFailure
	if cfg.AlertAfterFailures > 0 && count >= cfg.AlertAfterFailures {
		level = AlertCritical
	}
	s.Notifier.Notify(AlertEvent{
		Level:      level,
		DomainName: cert.DomainName,
		Status:     domain.StatusError,
		DaysLeft:   cert.DaysUntilExpiry(time.Now()),
		ExpiresAt:  cert.ExpiresAt,
		Reason:     domain.ErrorCode(err),
	})
}
