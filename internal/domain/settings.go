package domain

// RuntimeConfig 全程式唯一的可變設定，存於 runtime_config collection。
// 只能經由 PATCH /config 修改，其餘地方唯讀。
type RuntimeConfig struct {
	// 續簽總開關與預設窗口
	AutoRenewEnabled bool `bson:"auto_renew_enabled" json:"auto_renew_enabled"`
	RenewalLeadDays  int  `bson:"renewal_lead_days" json:"renewal_lead_days"`

	// 排程
	SchedulerEnabled bool   `bson:"scheduler_enabled" json:"scheduler_enabled"`
	RenewalSchedule  string `bson:"renewal_schedule" json:"renewal_schedule"` // Cron 表達式
	MonitorSchedule  string `bson:"monitor_schedule" json:"monitor_schedule"`
	BatchSize        int    `bson:"batch_size" json:"batch_size"`
	MaxConcurrent    int    `bson:"max_concurrent" json:"max_concurrent"`

	// 監控門檻 (天)
	WarningDays  int `bson:"warning_days" json:"warning_days"`
	CriticalDays int `bson:"critical_days" json:"critical_days"`
	// 連續失敗幾次後升級為 Critical 告警 (告警限流，不限制重試)
	AlertAfterFailures int `bson:"alert_after_failures" json:"alert_after_failures"`

	// 通知
	NotificationsEnabled bool     `bson:"notifications_enabled" json:"notifications_enabled"`
	AdminContacts        []string `bson:"admin_contacts,omitempty" json:"admin_contacts,omitempty"`
	WebhookURL           string   `bson:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	WebhookTemplate      string   `bson:"webhook_template,omitempty" json:"webhook_template,omitempty"`

	// ACME 帳號 (私鑰 PEM 與註冊 URL，跨續簽共用、唯讀)
	AcmeAccountKey string `bson:"acme_account_key,omitempty" json:"-"`
	AcmeAccountURL string `bson:"acme_account_url,omitempty" json:"acme_account_url,omitempty"`
}

// DefaultRuntimeConfig 首次啟動時寫入的預設值
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		AutoRenewEnabled:     true,
		RenewalLeadDays:      30,
		SchedulerEnabled:     true,
		RenewalSchedule:      "0 2 * * *",   // 每天凌晨 02:00 續簽
		MonitorSchedule:      "0 */4 * * *", // 每 4 小時監控評估
		BatchSize:            10,
		MaxConcurrent:        3,
		WarningDays:          30,
		CriticalDays:         7,
		AlertAfterFailures:   3,
		NotificationsEnabled: true,
	}
}

// RuntimeConfigPatch PATCH /config 的部分更新，nil 欄位表示不動
type RuntimeConfigPatch struct {
	AutoRenewEnabled     *bool     `json:"auto_renew_enabled,omitempty"`
	RenewalLeadDays      *int      `json:"renewal_lead_days,omitempty"`
	SchedulerEnabled     *bool     `json:"scheduler_enabled,omitempty"`
	RenewalSchedule      *string   `json:"renewal_schedule,omitempty"`
	MonitorSchedule      *string   `json:"monitor_schedule,omitempty"`
	BatchSize            *int      `json:"batch_size,omitempty"`
	MaxConcurrent        *int      `json:"max_concurrent,omitempty"`
	WarningDays          *int      `json:"warning_days,omitempty"`
	CriticalDays         *int      `json:"critical_days,omitempty"`
	AlertAfterFailures   *int      `json:"alert_after_failures,omitempty"`
	NotificationsEnabled *bool     `json:"notifications_enabled,omitempty"`
	AdminContacts        *[]string `json:"admin_contacts,omitempty"`
	WebhookURL           *string   `json:"webhook_url,omitempty"`
	WebhookTemplate      *string   `json:"webhook_template,omitempty"`
}

// Apply 套用部分更新
func (c *RuntimeConfig) Apply(p RuntimeConfigPatch) {
	if p.AutoRenewEnabled != nil {
		c.AutoRenewEnabled = *p.AutoRenewEnabled
	}
	if p.RenewalLeadDays != nil {
		c.RenewalLeadDays = *p.RenewalLeadDays
	}
	if p.SchedulerEnabled != nil {
		c.SchedulerEnabled = *p.SchedulerEnabled
	}
	if p.RenewalSchedule != nil {
		c.RenewalSchedule = *p.RenewalSchedule
	}
	if p.MonitorSchedule != nil {
		c.MonitorSchedule = *p.MonitorSchedule
	}
	if p.BatchSize != nil {
		c.BatchSize = *p.BatchSize
	}
	if p.MaxConcurrent != nil {
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.WarningDays != nil {
		c.WarningDays = *p.WarningDays
	}
	if p.CriticalDays != nil {
		c.CriticalDays = *p.CriticalDays
	}
	if p.AlertAfterFailures != nil {
		c.AlertAfterFailures = *p.AlertAfterFailures
	}
	if p.NotificationsEnabled != nil {
		c.NotificationsEnabled = *p.NotificationsEnabled
	}
	if p.AdminContacts != nil {
		c.AdminContacts = *p.AdminContacts
	}
	if p.WebhookURL != nil {
		c.WebhookURL = *p.WebhookURL
	}
	if p.WebhookTemplate != nil {
		c.WebhookTemplate = *p.WebhookTemplate
	}
}
