package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 續簽方式
const (
	RenewalManual    = "manual"    // 使用者手動觸發
	RenewalAutomatic = "automatic" // 排程觸發
	RenewalForced    = "forced"    // 管理員強制 (忽略窗口判斷)
)

// 續簽結果
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomePending = "pending"
)

// RenewalLog 稽核紀錄，append-only：寫入後絕不修改，一次嘗試一筆。
type RenewalLog struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CertificateID primitive.ObjectID `bson:"certificate_id" json:"certificate_id"`
	Kind          string             `bson:"kind" json:"kind"`
	Outcome       string             `bson:"outcome" json:"outcome"`
	PriorExpiry   time.Time          `bson:"prior_expiry,omitempty" json:"prior_expiry"`
	NewExpiry     time.Time          `bson:"new_expiry,omitempty" json:"new_expiry"`
	ErrorMsg      string             `bson:"error_msg,omitempty" json:"error_msg,omitempty"`
	DurationMs    int64              `bson:"duration_ms" json:"duration_ms"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
}

// CertificateUsage 記錄哪個外部服務正在使用某張憑證。
// 憑證還有 active usage 時刪除是警告情境，force 才放行。
type CertificateUsage struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CertificateID primitive.ObjectID `bson:"certificate_id" json:"certificate_id"`
	ServiceName   string             `bson:"service_name" json:"service_name"`
	ConfigPath    string             `bson:"config_path,omitempty" json:"config_path,omitempty"`
	StartedAt     time.Time          `bson:"started_at" json:"started_at"`
	EndedAt       time.Time          `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	IsActive      bool               `bson:"is_active" json:"is_active"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
}
