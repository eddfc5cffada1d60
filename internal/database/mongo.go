package database

import (
	"context"
	"time"

	"certkeeper/internal/conf"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect 初始化 MongoDB 連線
func Connect(cfg conf.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.URI)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	// 測試連線 (Ping)
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	logrus.Info("成功連線至 MongoDB")
	return client, nil
}

// EnsureIndexes 建立必要索引：域名查詢、到期排序、續簽紀錄查詢，
// 以及 (domain_name, is_active) 唯一性的資料庫層保險。
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	certIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "domain_name", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "auto_renew", Value: 1}}},
		// 同域名同時只允許一張 is_active 憑證，併發申請撞上時由這裡擋下
		{
			Keys: bson.D{{Key: "domain_name", Value: 1}},
			Options: options.Index().
				SetName("uniq_active_domain").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"is_active": true}),
		},
	}
	if _, err := db.Collection("certificates").Indexes().CreateMany(ctx, certIndexes); err != nil {
		return err
	}

	logIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "certificate_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := db.Collection("renewal_logs").Indexes().CreateMany(ctx, logIndexes); err != nil {
		return err
	}

	usageIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "certificate_id", Value: 1}, {Key: "is_active", Value: 1}}},
	}
	_, err := db.Collection("certificate_usages").Indexes().CreateMany(ctx, usageIndexes)
	return err
}
