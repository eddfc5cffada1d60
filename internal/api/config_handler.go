package api

import (
	"net/http"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"
	"certkeeper/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type ConfigHandler struct {
	Repo      repository.CertificateRepository
	Scheduler *service.SchedulerService
	Notifier  *service.NotifierService
}

func NewConfigHandler(repo repository.CertificateRepository, scheduler *service.SchedulerService, notifier *service.NotifierService) *ConfigHandler {
	return &ConfigHandler{Repo: repo, Scheduler: scheduler, Notifier: notifier}
}

// GetConfig 讀取系統設定 (帳號私鑰不會出現在回應)
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	cfg, err := h.Repo.GetRuntimeConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

// PatchConfig 部分更新設定，排程相關欄位變動後立即重載
func (h *ConfigHandler) PatchConfig(c *gin.Context) {
	var patch domain.RuntimeConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}

	if err := validatePatch(patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.Repo.GetRuntimeConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cfg.Apply(patch)
	if err := h.Repo.SaveRuntimeConfig(c.Request.Context(), *cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 排程設定可能變了，讓 Cron 重新載入
	if err := h.Scheduler.ReloadJobs(c.Request.Context()); err != nil {
		logrus.Errorf("❌ [Config] 排程重載失敗: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

// TestNotification 發一則測試告警驗證 Webhook 設定
func (h *ConfigHandler) TestNotification(c *gin.Context) {
	h.Notifier.Notify(service.AlertEvent{
		Level:      service.AlertWarning,
		DomainName: "test.example.com",
		Status:     domain.StatusActive,
		DaysLeft:   30,
		Reason:     "通知測試",
	})
	c.JSON(http.StatusOK, gin.H{"message": "測試通知已送出"})
}

// validatePatch 擋掉會讓系統壞掉的值
func validatePatch(p domain.RuntimeConfigPatch) error {
	parser := cron.ParseStandard
	if p.RenewalSchedule != nil {
		if _, err := parser(*p.RenewalSchedule); err != nil {
			return &configValidationError{"renewal_schedule 不是合法的 Cron 表達式"}
		}
	}
	if p.MonitorSchedule != nil {
		if _, err := parser(*p.MonitorSchedule); err != nil {
			return &configValidationError{"monitor_schedule 不是合法的 Cron 表達式"}
		}
	}
	if p.RenewalLeadDays != nil && *p.RenewalLeadDays < 1 {
		return &configValidationError{"renewal_lead_days 至少為 1"}
	}
	if p.BatchSize != nil && *p.BatchSize < 1 {
		return &configValidationError{"batch_size 至少為 1"}
	}
	if p.MaxConcurrent != nil && *p.MaxConcurrent < 1 {
		return &configValidationError{"max_concurrent 至少為 1"}
	}
	if p.WarningDays != nil && *p.WarningDays < 1 {
		return &configValidationError{"warning_days 至少為 1"}
	}
	if p.CriticalDays != nil && *p.CriticalDays < 1 {
		return &configValidationError{"critical_days 至少為 1"}
	}
	return nil
}

type configValidationError struct {
	msg string
}

func (e *configValidationError) Error() string { return e.msg }
