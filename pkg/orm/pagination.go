package orm

import "gorm.io/gorm"

// MaxPageSize 单页最大条数，防止审计查询一次拉全表
const MaxPageSize = 500

// ApplyPagination 应用分页到 GORM 查询
// page <= 0 按第一页处理，limit <= 0 不分页，limit 超过 MaxPageSize 会被截断
func ApplyPagination(db *gorm.DB, page, limit int) *gorm.DB {
	if limit <= 0 {
		return db
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if page <= 0 {
		page = 1
	}
	return db.Offset((page - 1) * limit).Limit(limit)
}
