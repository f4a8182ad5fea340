package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// setupTestDB opens a private in-memory sqlite database with every table
// migrated. Tests are skipped when sqlite is not usable in this build.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("sqlite not available: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Skipf("sqlite not available: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Skipf("sqlite migration failed: %v", err)
	}
	return db
}

func strPtr(s string) *string {
	return &s
}

func createPayment(t *testing.T, repo PaymentRepository, ref string, status models.PaymentStatus, createdAt time.Time) *models.PaymentRecord {
	t.Helper()
	p := &models.PaymentRecord{
		Amount:    decimal.RequireFromString("25.00"),
		Currency:  "EUR",
		Status:    status,
		CreatedAt: createdAt,
	}
	if ref != "" {
		p.ExternalRef = strPtr(ref)
	}
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}
