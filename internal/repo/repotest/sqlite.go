// Package repotest opens isolated in-memory databases carrying the domain schema.
package repotest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
)

// NewDB returns a fresh sqlite database with every domain table migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:grosir_"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(
		&models.Session{},
		&models.Participant{},
		&models.VariantAllocation{},
		&models.BundleConfig{},
		&models.WarehouseTolerance{},
		&models.WarehouseStock{},
		&models.PurchaseOrder{},
		&models.EscrowPayment{},
		&models.LedgerEntry{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}
