package repository

import (
	"context"

	"gorm.io/gorm"
)

// getDB 在事务内时使用 tx，否则使用基础连接；两者都绑定 ctx
func getDB(ctx context.Context, base, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return base.WithContext(ctx)
}
