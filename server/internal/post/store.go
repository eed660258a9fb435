package post

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/model"
	"postpulse/server/internal/storage"
	"postpulse/server/internal/user"
)

const (
	MaxContentRunes = 5000
	MaxTags         = 10
	MaxTagRunes     = 50
	MaxImages       = 10
)

// NewPost 创建帖子的输入。
type NewPost struct {
	AuthorID   int64
	Content    string
	Visibility model.Visibility
	Tags       []string
	Images     []string
}

// Hooks 事务内的注入点，测试用来在帖子行写入之后、标签/图片写入之前制造失败。
type Hooks struct {
	AfterPostInsert func(ctx context.Context, tx *storage.Tx, postID int64) error
}

// Store 帖子存储，独占 posts/post_tags/post_images 三张表。
type Store struct {
	db    *storage.DB
	users *user.Directory
	hooks Hooks
}

// NewStore 创建帖子存储。users 可为 nil（作者摘要退化为占位名）。
func NewStore(db *storage.DB, users *user.Directory) *Store {
	return &Store{db: db, users: users}
}

// SetHooks 设置事务内注入点。
func (s *Store) SetHooks(h Hooks) {
	s.hooks = h
}

// CreatePost 在一个事务中写入帖子及其标签、图片。
//
// 校验先于任何写入；不发送通知（作者本人已知）。
func (s *Store) CreatePost(ctx context.Context, in NewPost) (*model.Post, error) {
	p, err := normalize(in)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = s.db.Now()

	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		id, err := storage.InsertReturningID(ctx, tx,
			`INSERT INTO posts (author_id, content, visibility, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
			p.AuthorID, p.Content, string(p.Visibility), p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		p.ID = id

		if s.hooks.AfterPostInsert != nil {
			if err := s.hooks.AfterPostInsert(ctx, tx, id); err != nil {
				return err
			}
		}

		for i, tag := range p.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO post_tags (post_id, position, tag) VALUES (?, ?, ?)`, id, i, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
		for i, img := range p.Images {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO post_images (post_id, position, url) VALUES (?, ?, ?)`, id, i, img); err != nil {
				return fmt.Errorf("insert image: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.Author = s.author(ctx, p.AuthorID)
	return p, nil
}

// Get 读取帖子本体（含标签、图片），不做可见性判断，不含聚合计数。
func (s *Store) Get(ctx context.Context, id int64) (*model.Post, error) {
	p := &model.Post{ID: id, Tags: []string{}, Images: []string{}, RecentComments: []model.Comment{}}
	var visibility string
	err := s.db.QueryRowContext(ctx,
		`SELECT author_id, content, visibility, archived, created_at FROM posts WHERE id = ?`, id).
		Scan(&p.AuthorID, &p.Content, &visibility, &p.Archived, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.PostNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get post %d: %w", id, err)
	}
	p.Visibility = model.Visibility(visibility)
	p.CreatedAt = p.CreatedAt.UTC()

	if p.Tags, err = s.strings(ctx, `SELECT tag FROM post_tags WHERE post_id = ? ORDER BY position`, id); err != nil {
		return nil, err
	}
	if p.Images, err = s.strings(ctx, `SELECT url FROM post_images WHERE post_id = ? ORDER BY position`, id); err != nil {
		return nil, err
	}
	p.Author = s.author(ctx, p.AuthorID)
	return p, nil
}

// VisibleAuthorOf 在调用方的事务内查询 viewer 可见帖子的作者。
// 帖子不存在、已归档或是他人的 owner-only 帖子都返回 NotFoundError。
func VisibleAuthorOf(ctx context.Context, q storage.Queryer, postID, viewerID int64) (int64, error) {
	var author int64
	err := q.QueryRowContext(ctx, `
		SELECT author_id FROM posts
		WHERE id = ? AND NOT archived AND (visibility = ? OR author_id = ?)`,
		postID, string(model.VisibilityPublic), viewerID).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.PostNotFound(postID)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup post author: %w", err)
	}
	return author, nil
}

func (s *Store) strings(ctx context.Context, query string, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query post %d: %w", id, err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) author(ctx context.Context, id int64) model.AuthorSummary {
	if s.users == nil {
		return model.AuthorSummary{ID: id, Username: user.FallbackName(id)}
	}
	summary, err := s.users.Summary(ctx, id)
	if err != nil {
		return model.AuthorSummary{ID: id, Username: user.FallbackName(id)}
	}
	return summary
}

func normalize(in NewPost) (*model.Post, error) {
	if in.AuthorID <= 0 {
		return nil, domain.Invalid("authorId", "must be positive")
	}

	content := strings.TrimSpace(in.Content)
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return nil, domain.Invalid("content", "must be at most %d characters", MaxContentRunes)
	}

	visibility := in.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	if !visibility.Valid() {
		return nil, domain.Invalid("visibility", "must be %q or %q", model.VisibilityPublic, model.VisibilityOwnerOnly)
	}

	tags := make([]string, 0, len(in.Tags))
	seen := make(map[string]struct{}, len(in.Tags))
	for _, raw := range in.Tags {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxTagRunes {
			return nil, domain.Invalid("tags", "tag %q exceeds %d characters", tag, MaxTagRunes)
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	if len(tags) > MaxTags {
		return nil, domain.Invalid("tags", "at most %d tags allowed", MaxTags)
	}

	images := make([]string, 0, len(in.Images))
	for _, raw := range in.Images {
		img := strings.TrimSpace(raw)
		if img == "" {
			continue
		}
		u, err := url.Parse(img)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, domain.Invalid("images", "%q is not an http(s) URL", img)
		}
		images = append(images, img)
	}
	if len(images) > MaxImages {
		return nil, domain.Invalid("images", "at most %d images allowed", MaxImages)
	}

	if content == "" && len(images) == 0 {
		return nil, domain.Invalid("content", "content or at least one image is required")
	}

	return &model.Post{
		AuthorID:       in.AuthorID,
		Content:        content,
		Visibility:     visibility,
		Tags:           tags,
		Images:         images,
		RecentComments: []model.Comment{},
	}, nil
}
