package main

import (
	"errors"
	"flag"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"liquidity-core/internal/model"
	"liquidity-core/pkg/config"
	"liquidity-core/pkg/database"
	"liquidity-core/pkg/logger"
)

func main() {
	var command, dir string
	var version int
	flag.StringVar(&command, "cmd", "up", "Command to run: up, down, force, auto")
	flag.StringVar(&dir, "dir", "migrations", "Directory holding the SQL migrations")
	flag.IntVar(&version, "v", -1, "Version for force command")
	flag.Parse()

	// 加载配置
	config.Init()
	if err := logger.Init(config.Global.App.Env, config.Global.App.LogLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	db := config.Global.DB

	// auto: 开发环境直接用 gorm AutoMigrate 建表，不经过 SQL 文件
	if command == "auto" {
		gdb, err := database.Open(config.Global)
		if err != nil {
			logger.Fatal("database connect failed", zap.Error(err))
		}
		if err := gdb.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		logger.Info("auto migrate done")
		return
	}

	m, err := migrate.New("file://"+dir, database.MigrateURL(db.Host, db.Port, db.User, db.Password, db.Name))
	if err != nil {
		logger.Fatal("migration init failed", zap.Error(err))
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("migration up failed", zap.Error(err))
		}
		logger.Info("migration up done")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("migration down failed", zap.Error(err))
		}
		logger.Info("migration down done")
	case "force":
		if version == -1 {
			logger.Fatal("version (-v) is required for force command")
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("migration force failed", zap.Error(err))
		}
		logger.Info("migration forced", zap.Int("version", version))
	default:
		logger.Fatal("unknown command", zap.String("cmd", command))
	}
}
