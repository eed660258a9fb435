// Package feed 组合帖子、兴趣与评论，生成分页、按可见性过滤的反范式化读模型。
//
// 只读，不开启事务，不触碰通知路由。每页固定数量的批量查询（IN 列表），
// 与页内帖子数无关。
package feed

import (
	"context"
	"database/sql"
	"fmt"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/model"
	"postpulse/server/internal/storage"
	"postpulse/server/internal/user"
)

const (
	DefaultLimit   = 20
	MaxLimit       = 100
	RecentComments = 2
)

// Reader feed 读取器。
type Reader struct {
	db           *storage.DB
	users        *user.Directory
	defaultLimit int
	maxLimit     int
}

// NewReader 创建读取器；limit 参数非正时使用包内默认值。
func NewReader(db *storage.DB, users *user.Directory, defaultLimit, maxLimit int) *Reader {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = DefaultLimit
		if defaultLimit > maxLimit {
			defaultLimit = maxLimit
		}
	}
	return &Reader{db: db, users: users, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Clamp 规范化分页参数：page<1 取 1，limit<=0 取默认值，超过上限取上限。
func (r *Reader) Clamp(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = r.defaultLimit
	}
	if limit > r.maxLimit {
		limit = r.maxLimit
	}
	return page, limit
}

const postColumns = `SELECT id, author_id, content, visibility, created_at FROM posts`

// ListFeed 返回 viewer 可见的一页帖子，按 created_at、id 倒序。
func (r *Reader) ListFeed(ctx context.Context, viewerID int64, page, limit int) (*model.FeedPage, error) {
	page, limit = r.Clamp(page, limit)
	offset := (page - 1) * limit

	posts, err := r.queryPosts(ctx, postColumns+`
		WHERE NOT archived AND (visibility = ? OR author_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		string(model.VisibilityPublic), viewerID, limit, offset)
	if err != nil {
		return nil, err
	}
	if err := r.enrich(ctx, viewerID, posts); err != nil {
		return nil, err
	}

	return &model.FeedPage{
		Posts: posts,
		Pagination: model.Pagination{
			Page:    page,
			Limit:   limit,
			HasMore: len(posts) == limit,
		},
	}, nil
}

// Get 返回单条帖子的读模型；对 viewer 不可见或已归档视为不存在。
func (r *Reader) Get(ctx context.Context, viewerID, postID int64) (*model.FeedEntry, error) {
	posts, err := r.queryPosts(ctx, postColumns+`
		WHERE id = ? AND NOT archived AND (visibility = ? OR author_id = ?)`,
		postID, string(model.VisibilityPublic), viewerID)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, domain.PostNotFound(postID)
	}
	if err := r.enrich(ctx, viewerID, posts); err != nil {
		return nil, err
	}
	return &posts[0], nil
}

func (r *Reader) queryPosts(ctx context.Context, query string, args ...interface{}) ([]model.FeedEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	posts := []model.FeedEntry{}
	for rows.Next() {
		var (
			p          model.FeedEntry
			visibility string
		)
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Content, &visibility, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Visibility = model.Visibility(visibility)
		p.CreatedAt = p.CreatedAt.UTC()
		p.Tags = []string{}
		p.Images = []string{}
		p.RecentComments = []model.Comment{}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// enrich 为一页帖子批量填充标签、图片、计数、viewer 兴趣与最近评论。
func (r *Reader) enrich(ctx context.Context, viewerID int64, posts []model.FeedEntry) error {
	if len(posts) == 0 {
		return nil
	}
	index := make(map[int64]*model.FeedEntry, len(posts))
	ids := make([]interface{}, 0, len(posts))
	authorIDs := make([]int64, 0, len(posts))
	for i := range posts {
		index[posts[i].ID] = &posts[i]
		ids = append(ids, posts[i].ID)
		authorIDs = append(authorIDs, posts[i].AuthorID)
	}
	in := "(" + storage.Placeholders(len(ids)) + ")"

	err := r.scanRows(ctx, `SELECT post_id, tag FROM post_tags WHERE post_id IN `+in+` ORDER BY post_id, position`, ids,
		func(rows *sql.Rows) error {
			var (
				postID int64
				tag    string
			)
			if err := rows.Scan(&postID, &tag); err != nil {
				return err
			}
			index[postID].Tags = append(index[postID].Tags, tag)
			return nil
		})
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}

	err = r.scanRows(ctx, `SELECT post_id, url FROM post_images WHERE post_id IN `+in+` ORDER BY post_id, position`, ids,
		func(rows *sql.Rows) error {
			var (
				postID int64
				url    string
			)
			if err := rows.Scan(&postID, &url); err != nil {
				return err
			}
			index[postID].Images = append(index[postID].Images, url)
			return nil
		})
	if err != nil {
		return fmt.Errorf("load images: %w", err)
	}

	err = r.scanRows(ctx, `SELECT post_id, COUNT(*) FROM post_interests WHERE post_id IN `+in+` GROUP BY post_id`, ids,
		func(rows *sql.Rows) error {
			var postID int64
			var n int
			if err := rows.Scan(&postID, &n); err != nil {
				return err
			}
			index[postID].InterestCount = n
			return nil
		})
	if err != nil {
		return fmt.Errorf("load interest counts: %w", err)
	}

	err = r.scanRows(ctx, `SELECT post_id FROM post_interests WHERE user_id = ? AND post_id IN `+in,
		append([]interface{}{viewerID}, ids...),
		func(rows *sql.Rows) error {
			var postID int64
			if err := rows.Scan(&postID); err != nil {
				return err
			}
			index[postID].UserInterested = true
			return nil
		})
	if err != nil {
		return fmt.Errorf("load viewer interest: %w", err)
	}

	err = r.scanRows(ctx, `SELECT post_id, COUNT(*) FROM comments WHERE post_id IN `+in+` GROUP BY post_id`, ids,
		func(rows *sql.Rows) error {
			var postID int64
			var n int
			if err := rows.Scan(&postID, &n); err != nil {
				return err
			}
			index[postID].CommentCount = n
			return nil
		})
	if err != nil {
		return fmt.Errorf("load comment counts: %w", err)
	}

	// 每个帖子最新的两条评论：比它更新的评论少于 RecentComments 条
	err = r.scanRows(ctx, `
		SELECT c.id, c.post_id, c.author_id, c.content, c.created_at FROM comments c
		WHERE c.post_id IN `+in+`
		AND (SELECT COUNT(*) FROM comments n
			WHERE n.post_id = c.post_id
			AND (n.created_at > c.created_at OR (n.created_at = c.created_at AND n.id > c.id))) < ?
		ORDER BY c.post_id, c.created_at DESC, c.id DESC`,
		append(append([]interface{}{}, ids...), RecentComments),
		func(rows *sql.Rows) error {
			var c model.Comment
			if err := rows.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Content, &c.CreatedAt); err != nil {
				return err
			}
			c.CreatedAt = c.CreatedAt.UTC()
			p := index[c.PostID]
			p.RecentComments = append(p.RecentComments, c)
			authorIDs = append(authorIDs, c.AuthorID)
			return nil
		})
	if err != nil {
		return fmt.Errorf("load recent comments: %w", err)
	}

	return r.attachAuthors(ctx, posts, authorIDs)
}

func (r *Reader) scanRows(ctx context.Context, query string, args []interface{}, fn func(rows *sql.Rows) error) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *Reader) attachAuthors(ctx context.Context, posts []model.FeedEntry, ids []int64) error {
	summaries := map[int64]model.AuthorSummary{}
	if r.users != nil {
		var err error
		if summaries, err = r.users.Summaries(ctx, ids); err != nil {
			return err
		}
	}
	name := func(id int64) model.AuthorSummary {
		if s, ok := summaries[id]; ok {
			return s
		}
		return model.AuthorSummary{ID: id, Username: user.FallbackName(id)}
	}
	for i := range posts {
		posts[i].Author = name(posts[i].AuthorID)
		for j := range posts[i].RecentComments {
			posts[i].RecentComments[j].Author = name(posts[i].RecentComments[j].AuthorID)
		}
	}
	return nil
}
