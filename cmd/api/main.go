package main

import (
	"context"

	"certkeeper/internal/api"
	"certkeeper/internal/conf"
	"certkeeper/internal/database"
	"certkeeper/internal/domain"
	"certkeeper/internal/repository"
	"certkeeper/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {

	// 設定 Log 格式與層級
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
	logrus.SetLevel(logrus.InfoLevel)

	// 1. Config
	cfg, err := conf.LoadConfig()
	if err != nil {
		logrus.Fatalf("Config error: %v", err)
	}

	// 2. Database
	mongoClient, err := database.Connect(cfg.MongoDB)
	if err != nil {
		logrus.Fatalf("Database error: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	db := mongoClient.Database(cfg.MongoDB.Database)
	if err := database.EnsureIndexes(context.Background(), db); err != nil {
		logrus.Warnf("索引建立失敗: %v", err)
	}

	// 3. Dependency Injection (依賴注入)
	// Repo -> Service -> Handler
	certRepo := repository.NewMongoCertRepo(db)

	notifier := service.NewNotifierService(certRepo)
	defer notifier.Close()

	// 挑戰解決器：HTTP-01 走 webroot，DNS-01 走 Cloudflare
	httpDriver := service.NewHTTP01Driver(service.NewWebrootProvisioner(cfg.Acme.HTTPWebroot))
	dnsDriver := service.NewDNS01Driver(service.NewCloudflareProvisioner(cfg.Cloudflare.APIToken))

	// 兩條 ACME 通道：主 CA 與替代免費 CA
	acmeClient := service.NewAcmeOrderClient(certRepo, cfg.Acme.DirectoryURL, httpDriver, dnsDriver)
	revokers := map[string]*service.AcmeOrderClient{
		domain.TypeFreeAcme: acmeClient,
	}
	issuers := map[string]service.CertIssuer{
		domain.TypeFreeAcme:   service.NewACMEIssuer(acmeClient),
		domain.TypeSelfSigned: service.NewSelfSignedCertIssuer(),
	}
	if cfg.Acme.AltDirectoryURL != "" {
		altClient := service.NewAcmeOrderClient(certRepo, cfg.Acme.AltDirectoryURL, httpDriver, dnsDriver)
		issuers[domain.TypeFreeAlt] = service.NewACMEIssuer(altClient)
		revokers[domain.TypeFreeAlt] = altClient
	}

	executor := service.NewRenewalExecutor(certRepo, issuers)
	monitor := service.NewMonitorService(certRepo, notifier)
	scheduler := service.NewSchedulerService(certRepo, executor, monitor, notifier)
	certService := service.NewCertService(certRepo, executor, revokers)
	exporter := service.NewExportService()

	if err := scheduler.Start(context.Background()); err != nil {
		logrus.Fatalf("排程啟動失敗: %v", err)
	}
	defer scheduler.Stop()

	// 初始化 Handler
	certHandler := api.NewCertHandler(certRepo, certService, exporter, scheduler)
	configHandler := api.NewConfigHandler(certRepo, scheduler, notifier)
	challengeHandler := api.NewChallengeHandler(certRepo)
	toolHandler := api.NewToolHandler()

	// 4. Gin Router Setup
	r := gin.Default()

	// 設定 CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/certificates", certHandler.RequestCertificate)        // 申請免費憑證
		v1.POST("/certificates/upload", certHandler.UploadCertificate)  // 上傳既有憑證
		v1.GET("/certificates", certHandler.ListCertificates)           // 列表查詢
		v1.GET("/certificates/check", certHandler.CheckCertificate)     // 線上探測
		v1.GET("/certificates/renewal-needed", certHandler.ListRenewalNeeded)
		v1.GET("/certificates/expiring", certHandler.ListExpiring)      // ?days=N
		v1.GET("/certificates/domain/:domain", certHandler.GetByDomain)
		v1.GET("/certificates/domain/:domain/active", certHandler.GetActiveByDomain)
		v1.GET("/certificates/:id", certHandler.GetCertificate)         // 詳情
		v1.POST("/certificates/:id/renew", certHandler.RenewCertificate)
		v1.POST("/certificates/:id/revoke", certHandler.RevokeCertificate)
		v1.DELETE("/certificates/:id", certHandler.DeleteCertificate)
		v1.PATCH("/certificates/:id/settings", certHandler.UpdateCertSettings)
		v1.GET("/certificates/:id/logs", certHandler.ListRenewalLogs)   // 續簽歷史
		v1.GET("/certificates/:id/export", certHandler.ExportCertificate)
		v1.POST("/certificates/:id/usages", certHandler.CreateUsage)
		v1.GET("/certificates/:id/usages", certHandler.ListUsages)
		v1.POST("/renewals/run", certHandler.RunRenewalBatch)           // 手動批次續簽
		v1.GET("/stats", certHandler.GetStatistics)                     // 儀表板數據
		v1.GET("/config", configHandler.GetConfig)                      // 系統設定
		v1.PATCH("/config", configHandler.PatchConfig)
		v1.POST("/config/test-notification", configHandler.TestNotification)
		v1.GET("/acme/challenge", challengeHandler.ChallengeInfo)       // 挑戰診斷
		v1.POST("/acme/verify", challengeHandler.VerifyChallenge)
		v1.POST("/tools/decode-cert", toolHandler.DecodeCertificate)
	}

	// 5. Start Server
	logrus.Infof("Server starting on %s", cfg.Server.Port)
	if err := r.Run(cfg.Server.Port); err != nil {
		logrus.Fatalf("Server startup failed: %v", err)
	}
}
