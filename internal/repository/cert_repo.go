package repository

import (
	"context"
	"errors"
	"time"

	"certkeeper/internal/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CertificateRepository 憑證儲存層介面。
// RenewalLog 是 append-only：只有 Insert，沒有 Update/Delete。
type CertificateRepository interface {
	Create(ctx context.Context, cert *domain.Certificate) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Certificate, error)
	GetByDomain(ctx context.Context, domainName string) ([]domain.Certificate, error)
	GetActiveByDomain(ctx context.Context, domainName string) (*domain.Certificate, error)
	HasActiveCert(ctx context.Context, domainName string) (bool, error)
	List(ctx context.Context, page, pageSize int64, status string) ([]domain.Certificate, int64, error)

	// UpdateStatus 樂觀狀態鎖：只有當前狀態仍為 from 時才更新
	UpdateStatus(ctx context.Context, id primitive.ObjectID, from, to string) error
	SetAutoRenew(ctx context.Context, id primitive.ObjectID, enabled bool) error
	UpdateMonitoring(ctx context.Context, id primitive.ObjectID, leadDays int) error
	UpdateAlertTime(ctx context.Context, id primitive.ObjectID, t time.Time) error
	// DeactivateOthers 維持 (domain, active) 唯一性：停用同域名的其他憑證
	DeactivateOthers(ctx context.Context, domainName string, keep primitive.ObjectID) error
	Delete(ctx context.Context, id primitive.ObjectID) error

	// ApplyRenewal 憑證更新與 RenewalLog 寫入必須一起生效 (同一交易)
	ApplyRenewal(ctx context.Context, cert *domain.Certificate, log *domain.RenewalLog) error

	// 排程 / 監控查詢
	ListRenewalCandidates(ctx context.Context) ([]domain.Certificate, error)
	ListExpiring(ctx context.Context, now time.Time, days int) ([]domain.Certificate, error)
	ListMonitored(ctx context.Context) ([]domain.Certificate, error)
	GetStatistics(ctx context.Context, now time.Time) (*domain.CertStatistics, error)

	AppendRenewalLog(ctx context.Context, log *domain.RenewalLog) error
	ListRenewalLogs(ctx context.Context, certID primitive.ObjectID, page, pageSize int64) ([]domain.RenewalLog, int64, error)

	CreateUsage(ctx context.Context, u *domain.CertificateUsage) error
	ListUsages(ctx context.Context, certID primitive.ObjectID) ([]domain.CertificateUsage, error)
	CountActiveUsages(ctx context.Context, certID primitive.ObjectID) (int64, error)
	DeactivateUsages(ctx context.Context, certID primitive.ObjectID) error

	GetRuntimeConfig(ctx context.Context) (*domain.RuntimeConfig, error)
	SaveRuntimeConfig(ctx context.Context, cfg domain.RuntimeConfig) error
}

type mongoCertRepo struct {
	client *mongo.Client
	certs  *mongo.Collection
	logs   *mongo.Collection
	usages *mongo.Collection
	config *mongo.Collection
}

func NewMongoCertRepo(db *mongo.Database) CertificateRepository {
	return &mongoCertRepo{
		client: db.Client(),
		certs:  db.Collection("certificates"),
		logs:   db.Collection("renewal_logs"),
		usages: db.Collection("certificate_usages"),
		config: db.Collection("runtime_config"),
	}
}

func (r *mongoCertRepo) Create(ctx context.Context, cert *domain.Certificate) error {
	now := time.Now()
	cert.CreatedAt = now
	cert.UpdatedAt = now
	res, err := r.certs.InsertOne(ctx, cert)
	if err != nil {
		return err
	}
	cert.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *mongoCertRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Certificate, error) {
	var cert domain.Certificate
	err := r.certs.FindOne(ctx, bson.M{"_id": id}).Decode(&cert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrCertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (r *mongoCertRepo) GetByDomain(ctx context.Context, domainName string) ([]domain.Certificate, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.certs.Find(ctx, bson.M{"domain_name": domainName}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []domain.Certificate
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *mongoCertRepo) GetActiveByDomain(ctx context.Context, domainName string) (*domain.Certificate, error) {
	var cert domain.Certificate
	filter := bson.M{"domain_name": domainName, "is_active": true, "status": domain.StatusActive}
	err := r.certs.FindOne(ctx, filter).Decode(&cert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrCertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// HasActiveCert 檢查同域名是否已有啟用中的憑證。
// 不限狀態：error / renewal_needed 的憑證只要 is_active 仍算佔用該域名。
func (r *mongoCertRepo) HasActiveCert(ctx context.Context, domainName string) (bool, error) {
	count, err := r.certs.CountDocuments(ctx, bson.M{
		"domain_name": domainName,
		"is_active":   true,
	})
	return count > 0, err
}

// List 支援分頁與狀態篩選
func (r *mongoCertRepo) List(ctx context.Context, page, pageSize int64, status string) ([]domain.Certificate, int64, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	findOptions := options.Find().
		SetSkip((page - 1) * pageSize).
		SetLimit(pageSize).
		SetSort(bson.D{{Key: "expires_at", Value: 1}})

	cursor, err := r.certs.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var results []domain.Certificate
	if err := cursor.All(ctx, &results); err != nil {
		return nil, 0, err
	}

	total, err := r.certs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *mongoCertRepo) UpdateStatus(ctx context.Context, id primitive.ObjectID, from, to string) error {
	res, err := r.certs.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrStaleStatus
	}
	return nil
}

func (r *mongoCertRepo) SetAutoRenew(ctx context.Context, id primitive.ObjectID, enabled bool) error {
	res, err := r.certs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"auto_renew": enabled, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrCertNotFound
	}
	return nil
}

func (r *mongoCertRepo) UpdateMonitoring(ctx context.Context, id primitive.ObjectID, leadDays int) error {
	res, err := r.certs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"renewal_lead_days": leadDays, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrCertNotFound
	}
	return nil
}

func (r *mongoCertRepo) UpdateAlertTime(ctx context.Context, id primitive.ObjectID, t time.Time) error {
	_, err := r.certs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_alert_time": t}},
	)
	return err
}

func (r *mongoCertRepo) DeactivateOthers(ctx context.Context, domainName string, keep primitive.ObjectID) error {
	_, err := r.certs.UpdateMany(ctx,
		bson.M{"domain_name": domainName, "_id": bson.M{"$ne": keep}, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now()}},
	)
	return err
}

func (r *mongoCertRepo) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := r.certs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrCertNotFound
	}
	return nil
}

// ApplyRenewal 在單一交易內更新憑證並寫入一筆 RenewalLog，
// 保證兩者一起生效或一起失敗 (不留半套狀態)。
func (r *mongoCertRepo) ApplyRenewal(ctx context.Context, cert *domain.Certificate, log *domain.RenewalLog) error {
	cert.UpdatedAt = time.Now()
	log.CreatedAt = time.Now()

	sess, err := r.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := r.certs.ReplaceOne(sc, bson.M{"_id": cert.ID}, cert); err != nil {
			return nil, err
		}
		res, err := r.logs.InsertOne(sc, log)
		if err != nil {
			return nil, err
		}
		log.ID = res.InsertedID.(primitive.ObjectID)
		return nil, nil
	})
	return err
}

// ListRenewalCandidates 撈出排程的候選集合：auto_renew 開啟、啟用中、
// 狀態為 renewal_needed 或 error，過期日由近到遠。
// lead-day 窗口判斷交給 Scheduler 在記憶體內做 (每張憑證的 lead 可能不同)。
func (r *mongoCertRepo) ListRenewalCandidates(ctx context.Context) ([]domain.Certificate, error) {
	filter := bson.M{
		"is_active":  true,
		"auto_renew": true,
		"status":     bson.M{"$in": []string{domain.StatusRenewalNeeded, domain.StatusError}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})

	cursor, err := r.certs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []domain.Certificate
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *mongoCertRepo) ListExpiring(ctx context.Context, now time.Time, days int) ([]domain.Certificate, error) {
	until := now.Add(time.Duration(days) * 24 * time.Hour)
	filter := bson.M{
		"is_active":  true,
		"expires_at": bson.M{"$gt": now, "$lte": until},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})

	cursor, err := r.certs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []domain.Certificate
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *mongoCertRepo) ListMonitored(ctx context.Context) ([]domain.Certificate, error) {
	filter := bson.M{
		"is_active": true,
		"status":    bson.M{"$ne": domain.StatusRevoked},
	}
	cursor, err := r.certs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []domain.Certificate
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// GetStatistics 儀表板統計。資料量可控，直接撈簡要欄位在 Go 裡面算，
// 比寫 Aggregation Pipeline 容易除錯。
func (r *mongoCertRepo) GetStatistics(ctx context.Context, now time.Time) (*domain.CertStatistics, error) {
	stats := &domain.CertStatistics{
		StatusCounts: make(map[string]int),
		TypeCounts:   make(map[string]int),
	}

	cursor, err := r.certs.Find(ctx, bson.M{"is_active": true}, options.Find().SetProjection(bson.M{
		"status": 1, "cert_type": 1, "expires_at": 1,
	}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	soon := now.Add(30 * 24 * time.Hour)

	type miniCert struct {
		Status    string    `bson:"status"`
		CertType  string    `bson:"cert_type"`
		ExpiresAt time.Time `bson:"expires_at"`
	}

	for cursor.Next(ctx) {
		var c miniCert
		if err := cursor.Decode(&c); err != nil {
			continue
		}
		stats.Total++
		stats.StatusCounts[c.Status]++
		stats.TypeCounts[c.CertType]++

		if c.Status == domain.StatusActive {
			stats.Active++
		}
		if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now) {
			stats.Expired++
		} else if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(soon) {
			stats.ExpiringSoon++
		}
	}
	return stats, cursor.Err()
}

func (r *mongoCertRepo) AppendRenewalLog(ctx context.Context, log *domain.RenewalLog) error {
	log.CreatedAt = time.Now()
	res, err := r.logs.InsertOne(ctx, log)
	if err != nil {
		return err
	}
	log.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *mongoCertRepo) ListRenewalLogs(ctx context.Context, certID primitive.ObjectID, page, pageSize int64) ([]domain.RenewalLog, int64, error) {
	filter := bson.M{"certificate_id": certID}

	findOptions := options.Find().
		SetSkip((page - 1) * pageSize).
		SetLimit(pageSize).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.logs.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var results []domain.RenewalLog
	if err := cursor.All(ctx, &results); err != nil {
		return nil, 0, err
	}

	total, err := r.logs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *mongoCertRepo) CreateUsage(ctx context.Context, u *domain.CertificateUsage) error {
	u.CreatedAt = time.Now()
	res, err := r.usages.InsertOne(ctx, u)
	if err != nil {
		return err
	}
	u.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *mongoCertRepo) ListUsages(ctx context.Context, certID primitive.ObjectID) ([]domain.CertificateUsage, error) {
	cursor, err := r.usages.Find(ctx, bson.M{"certificate_id": certID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []domain.CertificateUsage
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *mongoCertRepo) CountActiveUsages(ctx context.Context, certID primitive.ObjectID) (int64, error) {
	return r.usages.CountDocuments(ctx, bson.M{"certificate_id": certID, "is_active": true})
}

func (r *mongoCertRepo) DeactivateUsages(ctx context.Context, certID primitive.ObjectID) error {
	_, err := r.usages.UpdateMany(ctx,
		bson.M{"certificate_id": certID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "ended_at": time.Now()}},
	)
	return err
}

// GetRuntimeConfig 讀取單例設定，不存在時回傳預設值 (不自動落地)
func (r *mongoCertRepo) GetRuntimeConfig(ctx context.Context) (*domain.RuntimeConfig, error) {
	var cfg domain.RuntimeConfig
	err := r.config.FindOne(ctx, bson.M{"_id": "runtime"}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		def := domain.DefaultRuntimeConfig()
		return &def, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *mongoCertRepo) SaveRuntimeConfig(ctx context.Context, cfg domain.RuntimeConfig) error {
	opts := options.Replace().SetUpsert(true)
	_, err := r.config.ReplaceOne(ctx, bson.M{"_id": "runtime"}, cfg, opts)
	return err
}
