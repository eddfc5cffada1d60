package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/sirupsen/logrus"
)

const (
	cfRecordTTL        = 120 // 秒，挑戰紀錄存活時間短即可
	dnsPropagationWait = 5 * time.Second
)

// HTTPProvisioner 負責發佈 / 撤除 HTTP-01 挑戰回應檔
type HTTPProvisioner interface {
	Present(ctx context.Context, domainName, token, keyAuth string) error
	Cleanup(ctx context.Context, domainName, token string) error
}

// DNSProvisioner 負責發佈 / 撤除 DNS-01 的 TXT 紀錄
type DNSProvisioner interface {
	Present(ctx context.Context, fqdn, value string) error
	Cleanup(ctx context.Context, fqdn, value string) error
}

// =============================================================================
// Cloudflare DNS-01
// =============================================================================

type CloudflareProvisioner struct {
	APIToken string
}

func NewCloudflareProvisioner(token string) *CloudflareProvisioner {
	return &CloudflareProvisioner{APIToken: token}
}

func (p *CloudflareProvisioner) getAPIClient() (*cloudflare.API, error) {
	api, err := cloudflare.NewWithAPIToken(p.APIToken)
	if err != nil {
		logrus.Errorf("❌ [Cloudflare] API Client 初始化失敗: %v", err)
		return nil, err
	}
	return api, nil
}

// Present 在對應 Zone 發佈 _acme-challenge TXT 紀錄
func (p *CloudflareProvisioner) Present(ctx context.Context, fqdn, value string) error {
	api, err := p.getAPIClient()
	if err != nil {
		return err
	}

	zoneID, err := p.resolveZoneID(ctx, api, fqdn)
	if err != nil {
		return err
	}

	logrus.Infof("📡 [DNS-01] 發佈 TXT 紀錄: %s (Zone: %s)", fqdn, zoneID)
	_, err = api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    fqdn,
		Content: value,
		TTL:     cfRecordTTL,
	})
	if err != nil {
		return fmt.Errorf("TXT 紀錄建立失敗: %w", err)
	}

	// DNS 傳播需要時間，給解析器一點緩衝
	return waitPropagation(ctx, dnsPropagationWait)
}

// waitPropagation 可被取消的等待
func waitPropagation(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup 撤除挑戰用的 TXT 紀錄，找不到就算了 (可能已被清掉)
func (p *CloudflareProvisioner) Cleanup(ctx context.Context, fqdn, value string) error {
	api, err := p.getAPIClient()
	if err != nil {
		return err
	}

	zoneID, err := p.resolveZoneID(ctx, api, fqdn)
	if err != nil {
		return err
	}

	records, _, err := api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
		Type: "TXT",
		Name: fqdn,
	})
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.Content != value {
			continue
		}
		if err := api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), record.ID); err != nil {
			logrus.Warnf("⚠️ [DNS-01] TXT 紀錄清除失敗 %s: %v", fqdn, err)
			return err
		}
		logrus.Debugf("🗑 [DNS-01] 已清除 TXT 紀錄: %s", fqdn)
	}
	return nil
}

// resolveZoneID 從 FQDN 逐層剝掉 label 找到所屬 Zone。
// _acme-challenge.www.example.com -> www.example.com -> example.com
func (p *CloudflareProvisioner) resolveZoneID(ctx context.Context, api *cloudflare.API, fqdn string) (string, error) {
	candidate := fqdn
	for {
		zoneID, err := api.ZoneIDByName(candidate)
		if err == nil {
			return zoneID, nil
		}
		idx := strings.IndexByte(candidate, '.')
		if idx < 0 {
			return "", fmt.Errorf("找不到 %s 所屬的 Zone", fqdn)
		}
		candidate = candidate[idx+1:]
	}
}

// =============================================================================
// Webroot HTTP-01
// =============================================================================

// WebrootProvisioner 把挑戰回應寫到 webroot 下的 well-known 路徑，
// 前提是該域名的流量已導到本機的網頁伺服器。
type WebrootProvisioner struct {
	Root string
}

func NewWebrootProvisioner(root string) *WebrootProvisioner {
	return &WebrootProvisioner{Root: root}
}

func (p *WebrootProvisioner) challengePath(token string) string {
	return filepath.Join(p.Root, ".well-known", "acme-challenge", token)
}

func (p *WebrootProvisioner) Present(ctx context.Context, domainName, token, keyAuth string) error {
	path := p.challengePath(token)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	logrus.Infof("📄 [HTTP-01] 寫入挑戰檔: %s (%s)", path, domainName)
	return os.WriteFile(path, []byte(keyAuth), 0o644)
}

func (p *WebrootProvisioner) Cleanup(ctx context.Context, domainName, token string) error {
	err := os.Remove(p.challengePath(token))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
