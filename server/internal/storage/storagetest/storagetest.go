// Package storagetest 为各存储包的测试提供基于临时 sqlite 文件的数据库。
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"postpulse/server/internal/storage"
)

// Open 在 t.TempDir() 下创建 sqlite 库并应用 schema，测试结束时关闭。
func Open(t testing.TB, opts ...storage.Option) *storage.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite3",
		DSN:    path,
	}, opts...)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Count 返回表中满足条件的行数。
func Count(t testing.TB, db *storage.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
