package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"liquidity-core/pkg/config"
	"liquidity-core/pkg/logger"
)

// ConnectPostgres 连接到 PostgreSQL 数据库
// dsn: "host=localhost user=pool_user password=pool_password dbname=liquidity_db port=5432 sslmode=disable"
func ConnectPostgres(dsn string, debug bool) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if debug {
		logLevel = gormlogger.Info // 打印 SQL 语句方便调试
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 连接池配置
	sqlDB.SetMaxIdleConns(10)           // 空闲连接数
	sqlDB.SetMaxOpenConns(100)          // 最大连接数
	sqlDB.SetConnMaxLifetime(time.Hour) // 连接最大存活时间

	logger.Info("PostgreSQL 连接成功")
	return db, nil
}

// Open 按配置连接，development 环境打印 SQL
func Open(cfg config.Config) (*gorm.DB, error) {
	db := cfg.DB
	gdb, err := ConnectPostgres(PostgresDSN(db.Host, db.Port, db.User, db.Password, db.Name), cfg.App.Env == "development")
	if err != nil {
		logger.Error("数据库连接失败", zap.String("host", db.Host), zap.String("db", db.Name), zap.Error(err))
	}
	return gdb, err
}

// PostgresDSN 按 gorm/pgx 格式拼接 DSN
func PostgresDSN(host, port, user, password, name string) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host, user, password, name, port)
}

// MigrateURL 按 golang-migrate 的 URL 格式拼接连接串
func MigrateURL(host, port, user, password, name string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}
