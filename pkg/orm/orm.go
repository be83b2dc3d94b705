package orm

import (
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver      string // mysql / postgres，默认 mysql
	DSN         string // 连接字符串
	MaxIdle     int    // 最大空闲连接
	MaxOpen     int    // 最大打开连接
	MaxLifetime int    // 连接存活秒数
	LogLevel    string // silent / error / warn / info
}

// New 按驱动初始化 GORM，连不上直接返回错误，由 main 决定退出
func New(c *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(c.Driver) {
	case "", DriverMySQL:
		dsn, err := NormalizeMySQLDSN(c.DSN)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(dsn)
	case DriverPostgres, "postgresql", "pg":
		dialector = postgres.Open(c.DSN)
	default:
		return nil, fmt.Errorf("orm: unsupported driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(c.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("orm: open %s: %w", c.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 连接池
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}

	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		// 生产默认 Warn，慢 SQL 和错误都能看到
		return logger.Warn
	}
}

// NormalizeMySQLDSN 强制 parseTime + UTC，时间列才能按 time.Time 比较
// charset 保持用户的配置，没配时驱动默认 utf8mb4
func NormalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("orm: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
