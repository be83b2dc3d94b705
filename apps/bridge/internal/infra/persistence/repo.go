package persistence

import (
	"context"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/xerr"
	"gorm.io/gorm"
)

type txKey struct{}

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// 确保 Repo 实现了所有接口
var (
	_ domain.LedgerStore = (*Repo)(nil)
	_ domain.QueryStore  = (*Repo)(nil)
)

// Transaction 把 tx 放进 ctx，fn 里通过 ctx 调用的 repo 方法都走同一个事务
// 外层已经有事务时直接复用，不开嵌套事务
func (r *Repo) Transaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// AutoMigrate 建表 / 补索引
func (r *Repo) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(domain.Models()...); err != nil {
		return xerr.Wrap(xerr.DbError, "auto migrate", err)
	}
	return nil
}

// Ping 健康检查用
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
