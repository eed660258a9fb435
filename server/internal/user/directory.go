// Package user 维护 user id 到用户名的映射。
//
// 凭证由外部系统签发，用户名随令牌 claim 进入，通过 Upsert 落库；
// 作者摘要与通知 payload 通过 Lookup 读取，读路径带 TTL 缓存，
// 并发未命中由 singleflight 合并为一次查询。
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"postpulse/server/internal/model"
	"postpulse/server/internal/storage"
)

const defaultTTL = 5 * time.Minute

type cacheEntry struct {
	username  string
	expiresAt time.Time
}

// Directory 用户目录。
type Directory struct {
	db  *storage.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[int64]cacheEntry
	sf    singleflight.Group
}

// NewDirectory 创建用户目录，ttl<=0 使用默认值。
func NewDirectory(db *storage.DB, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Directory{
		db:    db,
		ttl:   ttl,
		cache: make(map[int64]cacheEntry),
	}
}

// FallbackName 未登记用户的显示名。
func FallbackName(id int64) string {
	return "user" + strconv.FormatInt(id, 10)
}

// Upsert 记录用户名。与缓存一致时不写库。
func (d *Directory) Upsert(ctx context.Context, id int64, username string) error {
	username = strings.TrimSpace(username)
	if id <= 0 || username == "" {
		return nil
	}
	if cached, ok := d.cached(id); ok && cached == username {
		return nil
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, username, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at`,
		id, username, d.db.Now())
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", id, err)
	}
	d.put(id, username)
	return nil
}

// Lookup 返回用户名；未登记的用户返回 FallbackName。
func (d *Directory) Lookup(ctx context.Context, id int64) (string, error) {
	if name, ok := d.cached(id); ok {
		return name, nil
	}

	v, err, _ := d.sf.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		var name string
		err := d.db.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, id).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return FallbackName(id), nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup user %d: %w", id, err)
		}
		d.put(id, name)
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Summaries 批量解析作者摘要，feed 与评论列表使用。
func (d *Directory) Summaries(ctx context.Context, ids []int64) (map[int64]model.AuthorSummary, error) {
	out := make(map[int64]model.AuthorSummary, len(ids))
	missing := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		if name, ok := d.cached(id); ok {
			out[id] = model.AuthorSummary{ID: id, Username: name}
			continue
		}
		out[id] = model.AuthorSummary{ID: id, Username: FallbackName(id)}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, username FROM users WHERE id IN (`+storage.Placeholders(len(missing))+`)`, missing...)
	if err != nil {
		return nil, fmt.Errorf("load usernames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		out[id] = model.AuthorSummary{ID: id, Username: name}
		d.put(id, name)
	}
	return out, rows.Err()
}

// Summary 单个作者摘要。
func (d *Directory) Summary(ctx context.Context, id int64) (model.AuthorSummary, error) {
	name, err := d.Lookup(ctx, id)
	if err != nil {
		return model.AuthorSummary{}, err
	}
	return model.AuthorSummary{ID: id, Username: name}, nil
}

func (d *Directory) cached(id int64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.cache[id]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.username, true
}

func (d *Directory) put(id int64, username string) {
	d.mu.Lock()
	d.cache[id] = cacheEntry{username: username, expiresAt: time.Now().Add(d.ttl)}
	d.mu.Unlock()
}
