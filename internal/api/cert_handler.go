package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"
	"certkeeper/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type CertHandler struct {
	Repo      repository.CertificateRepository
	Certs     *service.CertService
	Exporter  *service.ExportService
	Scheduler *service.SchedulerService
}

func NewCertHandler(repo repository.CertificateRepository, certs *service.CertService, exporter *service.ExportService, scheduler *service.SchedulerService) *CertHandler {
	return &CertHandler{Repo: repo, Certs: certs, Exporter: exporter, Scheduler: scheduler}
}

// respondError 統一的錯誤轉 HTTP 狀態碼
func respondError(c *gin.Context, err error) {
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": domain.ErrorCode(err)})
		return
	}

	var ist *domain.InvalidStateTransitionError
	switch {
	case errors.Is(err, domain.ErrCertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidDomain),
		errors.Is(err, domain.ErrInvalidEmail),
		errors.Is(err, domain.ErrUnsupportedChallenge),
		errors.Is(err, domain.ErrManualRenewalRequired),
		errors.As(err, &ist):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrActiveCertExists),
		errors.Is(err, domain.ErrRenewalInProgress),
		errors.Is(err, domain.ErrUsageConflict),
		errors.Is(err, domain.ErrCertRevoked),
		errors.Is(err, domain.ErrStaleStatus):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseObjectID(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的憑證 ID"})
		return primitive.NilObjectID, false
	}
	return id, true
}

// =============================================================================
// Command APIs (操作類)
// =============================================================================

// RequestCertificate 申請免費憑證 (ACME / 自簽)
func (h *CertHandler) RequestCertificate(c *gin.Context) {
	var input service.RequestCertInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}

	cert, err := h.Certs.Request(c.Request.Context(), input)
	if err != nil {
		// 簽發失敗但資料已建立時，一併回傳現況方便前端顯示
		if cert != nil {
			c.JSON(http.StatusAccepted, gin.H{"data": cert, "error": domain.ErrorCode(err)})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": cert})
}

// UploadCertificate 上傳既有憑證
func (h *CertHandler) UploadCertificate(c *gin.Context) {
	var input service.UploadCertInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}

	cert, err := h.Certs.Upload(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": cert})
}

// RenewCertificate 手動觸發續簽，?force=true 可忽略窗口強制簽發
func (h *CertHandler) RenewCertificate(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	kind := domain.RenewalManual
	if c.Query("force") == "true" {
		kind = domain.RenewalForced
	}

	log, err := h.Certs.Renew(c.Request.Context(), id, kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": log})
}

// RevokeCertificate 吊銷憑證
func (h *CertHandler) RevokeCertificate(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	cert, err := h.Certs.Revoke(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cert})
}

// DeleteCertificate 刪除憑證，?force=true 連同使用關聯一起解除
func (h *CertHandler) DeleteCertificate(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	force := c.Query("force") == "true"
	if err := h.Certs.Delete(c.Request.Context(), id, force); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "憑證已刪除"})
}

// UpdateCertSettings 更新單張憑證的續簽設定
func (h *CertHandler) UpdateCertSettings(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	var req struct {
		AutoRenew       *bool `json:"auto_renew"`
		RenewalLeadDays *int  `json:"renewal_lead_days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}

	if req.AutoRenew != nil {
		if err := h.Certs.SetAutoRenew(c.Request.Context(), id, *req.AutoRenew); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.RenewalLeadDays != nil {
		if *req.RenewalLeadDays < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "renewal_lead_days 不可為負"})
			return
		}
		if err := h.Repo.UpdateMonitoring(c.Request.Context(), id, *req.RenewalLeadDays); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "設定已更新"})
}

// RunRenewalBatch 手動觸發一輪批次續簽 (背景執行)
func (h *CertHandler) RunRenewalBatch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "批次續簽任務已在背景啟動"})

	go func() {
		ctx := context.Background()
		result, err := h.Scheduler.RunBatch(ctx)
		if err != nil {
			logrus.Errorf("❌ [Batch] 手動批次續簽失敗: %v", err)
			return
		}
		logrus.Infof("🏁 [Batch] 手動批次完成: 成功 %d / 失敗 %d / 略過 %d",
			result.Succeeded, result.Failed, result.Skipped)
	}()
}

// CreateUsage 登記某服務開始使用這張憑證
func (h *CertHandler) CreateUsage(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	var req struct {
		ServiceName string `json:"service_name" binding:"required"`
		ConfigPath  string `json:"config_path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}

	if _, err := h.Repo.GetByID(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	usage := &domain.CertificateUsage{
		CertificateID: id,
		ServiceName:   req.ServiceName,
		ConfigPath:    req.ConfigPath,
		StartedAt:     time.Now(),
		IsActive:      true,
	}
	if err := h.Repo.CreateUsage(c.Request.Context(), usage); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": usage})
}

// =============================================================================
// Query APIs (讀取類)
// =============================================================================

// ListCertificates 憑證列表 (支援分頁與狀態篩選)
func (h *CertHandler) ListCertificates(c *gin.Context) {
	page, _ := strconv.ParseInt(c.DefaultQuery("page", "1"), 10, 64)
	pageSize, _ := strconv.ParseInt(c.DefaultQuery("pageSize", "10"), 10, 64)
	status := c.Query("status")
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	certs, total, err := h.Repo.List(c.Request.Context(), page, pageSize, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  certs,
		"total": total,
		"page":  page,
		"limit": pageSize,
	})
}

// GetCertificate 單張憑證詳情
func (h *CertHandler) GetCertificate(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	cert, err := h.Repo.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cert})
}

// ListRenewalLogs 憑證的續簽歷史
func (h *CertHandler) ListRenewalLogs(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	page, _ := strconv.ParseInt(c.DefaultQuery("page", "1"), 10, 64)
	pageSize, _ := strconv.ParseInt(c.DefaultQuery("pageSize", "20"), 10, 64)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	logs, total, err := h.Repo.ListRenewalLogs(c.Request.Context(), id, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs, "total": total, "page": page})
}

// ListUsages 憑證的使用關聯
func (h *CertHandler) ListUsages(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	usages, err := h.Repo.ListUsages(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usages})
}

// GetStatistics 儀表板統計
func (h *CertHandler) GetStatistics(c *gin.Context) {
	stats, err := h.Repo.GetStatistics(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// CheckCertificate 線上探測目標域名實際部署的憑證
func (h *CertHandler) CheckCertificate(c *gin.Context) {
	domainName := c.Query("domain")
	if err := service.ValidateDomainName(domainName); err != nil {
		respondError(c, err)
		return
	}
	port, _ := strconv.Atoi(c.DefaultQuery("port", "443"))

	result := h.Certs.Check(c.Request.Context(), domainName, port)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ExportCertificate 匯出憑證 (pem / pfx / jks)
func (h *CertHandler) ExportCertificate(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	cert, err := h.Repo.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	bundle, err := h.Exporter.Export(cert, c.DefaultQuery("format", "pem"), c.Query("password"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, bundle.FileName))
	c.Data(http.StatusOK, bundle.ContentType, bundle.Data)
}
