package domain

type CertStatistics struct {
	Total        int64          `json:"total"`
	Active       int64          `json:"active"`
	Expired      int64          `json:"expired"`
	ExpiringSoon int64          `json:"expiring_soon"` // 30 天內
	StatusCounts map[string]int `json:"status_counts"` // e.g. "active": 50, "error": 2
	TypeCounts   map[string]int `json:"type_counts"`
}
