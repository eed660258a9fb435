package post

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/storage"
)

// TestCreatePostRollsBackOnTagFailure 场景：postgres 方言下标签写入失败，只回滚不提交。
func TestCreatePostRollsBackOnTagFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewStore(storage.New(sqlDB, storage.DialectPostgres), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO posts \(author_id, content, visibility, created_at\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING id`).
		WithArgs(1, "hello", "public", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO post_tags`).
		WithArgs(7, 0, "startup").
		WillReturnError(errors.New("constraint violated"))
	mock.ExpectRollback()

	_, err = store.CreatePost(context.Background(), NewPost{
		AuthorID: 1,
		Content:  "hello",
		Tags:     []string{"startup"},
		Images:   []string{"https://img.example.com/a.png"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsTransaction(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCreatePostValidationSkipsStore 场景：校验失败时不开启事务。
func TestCreatePostValidationSkipsStore(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewStore(storage.New(sqlDB, storage.DialectPostgres), nil)
	_, err = store.CreatePost(context.Background(), NewPost{AuthorID: 1})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
