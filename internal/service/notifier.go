package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"certkeeper/internal/domain"
	"certkeeper/internal/repository"

	"github.com/sirupsen/logrus"
)

// 告警等級
const (
	AlertWarning  = "warning"  // 進入警告窗口
	AlertCritical = "critical" // 進入緊急窗口或連續續簽失敗
	AlertExpired  = "expired"  // 已過期
	AlertFailure  = "renewal_failed"
)

// AlertEvent 一次告警事件
type AlertEvent struct {
	Level      string
	DomainName string
	Status     string
	DaysLeft   int
	ExpiresAt  time.Time
	Reason     string
}

// 給模板用的欄位，使用者模板裡就是 {{.Domain}} 這些名字
type alertTemplateData struct {
	Level      string
	Domain     string
	Status     string
	Days       int
	ExpiryDate string
	Reason     string
	Contacts   string
}

// 預設 Webhook 模板 (相容 Slack/Discord 的 text 欄位)
const defaultWebhookTemplate = `⚠️ [憑證告警] {{.Level}}
域名: {{.Domain}}
狀態: {{.Status}}
剩餘: {{.Days}} 天
到期: {{.ExpiryDate}}
原因: {{.Reason}}`

// WebhookPayload 通用訊息格式 (Slack/Teams/Discord 都吃 text)
type WebhookPayload struct {
	Text string `json:"text"`
}

type NotifierService struct {
	Repo  repository.CertificateRepository
	queue chan AlertEvent
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewNotifierService(repo repository.CertificateRepository) *NotifierService {
	n := &NotifierService{
		Repo:  repo,
		queue: make(chan AlertEvent, 1000),
		done:  make(chan struct{}),
	}
	go n.startWebhookWorker()
	return n
}

// Notify 把事件排入佇列，佇列滿了就丟掉 (告警不能卡住續簽流程)。
// 關機流程中 Close 之後送進來的事件一律丟棄，排程與監控收尾時可能還會呼叫。
func (n *NotifierService) Notify(event AlertEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- event:
	default:
		logrus.Warnf("⚠️ [Notifier] 佇列已滿，丟棄告警: %s (%s)", event.DomainName, event.Level)
	}
}

// Close 關閉佇列並等 Worker 結束，重複呼叫無害
func (n *NotifierService) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

// startWebhookWorker 背景發送，限速避免打爆對方
func (n *NotifierService) startWebhookWorker() {
	defer close(n.done)
	logrus.Info("[Notifier] Webhook Worker 已啟動...")

	for event := range n.queue {
		cfg, err := n.Repo.GetRuntimeConfig(context.Background())
		if err != nil {
			logrus.Errorf("[Notifier] 設定讀取失敗: %v", err)
			continue
		}
		if !cfg.NotificationsEnabled || cfg.WebhookURL == "" {
			continue
		}

		msg, err := n.renderMessage(cfg, event)
		if err != nil {
			logrus.Errorf("[Notifier] 模板渲染失敗: %v", err)
			continue
		}
		if err := n.sendWebhook(cfg.WebhookURL, msg); err != nil {
			logrus.Errorf("[Notifier] Webhook 發送失敗: %v", err)
		}

		// 強制休息，確保每則之間有間隔
		time.Sleep(1100 * time.Millisecond)
	}
}

func (n *NotifierService) renderMessage(cfg *domain.RuntimeConfig, event AlertEvent) (string, error) {
	tmplStr := cfg.WebhookTemplate
	if tmplStr == "" {
		tmplStr = defaultWebhookTemplate
	}

	data := alertTemplateData{
		Level:      event.Level,
		Domain:     event.DomainName,
		Status:     event.Status,
		Days:       event.DaysLeft,
		ExpiryDate: event.ExpiresAt.Format("2006-01-02"),
		Reason:     event.Reason,
		Contacts:   strings.Join(cfg.AdminContacts, ", "),
	}

	tmpl, err := template.New("alert").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (n *NotifierService) sendWebhook(url, message string) error {
	payload, err := json.Marshal(WebhookPayload{Text: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 回應異常: %d", resp.StatusCode)
	}
	return nil
}
