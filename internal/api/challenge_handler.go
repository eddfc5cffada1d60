package api

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"
	"certkeeper/internal/service"

	"github.com/gin-gonic/gin"
)

// ChallengeHandler 低階挑戰診斷工具：查詢挑戰材料該發佈在哪裡，
// 以及從外部視角驗證材料是否已可被 CA 看見。
type ChallengeHandler struct {
	Repo repository.CertificateRepository
}

func NewChallengeHandler(repo repository.CertificateRepository) *ChallengeHandler {
	return &ChallengeHandler{Repo: repo}
}

// ChallengeInfo 回覆挑戰材料的預期發佈位置
func (h *ChallengeHandler) ChallengeInfo(c *gin.Context) {
	domainName := c.Query("domain")
	if err := service.ValidateDomainName(domainName); err != nil {
		respondError(c, err)
		return
	}

	challengeType := c.DefaultQuery("type", domain.ChallengeHTTP01)
	switch challengeType {
	case domain.ChallengeHTTP01:
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"type":     challengeType,
			"location": fmt.Sprintf("http://%s/.well-known/acme-challenge/<token>", domainName),
			"note":     "CA 會以 HTTP GET 取得此路徑，內容須為 key authorization",
		}})
	case domain.ChallengeDNS01:
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"type":     challengeType,
			"location": "_acme-challenge." + domainName,
			"note":     "CA 會查詢此 TXT 紀錄，值為 base64url(SHA-256(key authorization))",
		}})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支援的挑戰類型"})
	}
}

// VerifyChallenge 從本機視角確認挑戰材料已發佈 (簽發前的自我檢查)
func (h *ChallengeHandler) VerifyChallenge(c *gin.Context) {
	var req struct {
		Domain   string `json:"domain" binding:"required"`
		Type     string `json:"type" binding:"required"`
		Token    string `json:"token"`
		Expected string `json:"expected"` // key authorization 或 TXT 值
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的請求格式"})
		return
	}
	if err := service.ValidateDomainName(req.Domain); err != nil {
		respondError(c, err)
		return
	}

	switch req.Type {
	case domain.ChallengeHTTP01:
		h.verifyHTTP01(c, req.Domain, req.Token, req.Expected)
	case domain.ChallengeDNS01:
		h.verifyDNS01(c, req.Domain, req.Expected)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支援的挑戰類型"})
	}
}

func (h *ChallengeHandler) verifyHTTP01(c *gin.Context, domainName, token, expected string) {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domainName, token)
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"reachable": false, "error": err.Error()}})
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	got := strings.TrimSpace(string(body))
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"reachable":   true,
		"status_code": resp.StatusCode,
		"match":       expected != "" && got == expected,
	}})
}

func (h *ChallengeHandler) verifyDNS01(c *gin.Context, domainName, expected string) {
	fqdn := "_acme-challenge." + domainName
	values, err := net.LookupTXT(fqdn)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"reachable": false, "error": err.Error()}})
		return
	}

	match := false
	for _, v := range values {
		if expected != "" && v == expected {
			match = true
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"reachable": true,
		"records":   len(values),
		"match":     match,
	}})
}

// =============================================================================
// 監控查詢 (掛在 CertHandler 上)
// =============================================================================

// GetByDomain 某域名的所有憑證
func (h *CertHandler) GetByDomain(c *gin.Context) {
	domainName := c.Param("domain")
	if err := service.ValidateDomainName(domainName); err != nil {
		respondError(c, err)
		return
	}

	certs, err := h.Repo.GetByDomain(c.Request.Context(), domainName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": certs})
}

// GetActiveByDomain 某域名目前服務中的憑證
func (h *CertHandler) GetActiveByDomain(c *gin.Context) {
	domainName := c.Param("domain")
	if err := service.ValidateDomainName(domainName); err != nil {
		respondError(c, err)
		return
	}

	cert, err := h.Repo.GetActiveByDomain(c.Request.Context(), domainName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cert})
}

// ListRenewalNeeded 目前在續簽窗口內的候選憑證
func (h *CertHandler) ListRenewalNeeded(c *gin.Context) {
	cfg, err := h.Repo.GetRuntimeConfig(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	candidates, err := h.Repo.ListRenewalCandidates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	now := time.Now()
	due := make([]domain.Certificate, 0, len(candidates))
	for _, cert := range candidates {
		if cert.NeedsRenewal(now, cfg.RenewalLeadDays) || cert.IsExpired(now) {
			due = append(due, cert)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": due, "total": len(due)})
}

// ListExpiring N 天內到期的憑證
func (h *CertHandler) ListExpiring(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days 必須為正整數"})
		return
	}

	certs, err := h.Repo.ListExpiring(c.Request.Context(), time.Now(), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": certs, "total": len(certs)})
}
