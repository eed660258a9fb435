package comment

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/logging"
	"postpulse/server/internal/model"
	"postpulse/server/internal/post"
	"postpulse/server/internal/storage"
	"postpulse/server/internal/user"
)

const (
	MaxTextRunes     = 2000
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Publisher 接收提交后的通知事件，不得阻塞调用方。
type Publisher interface {
	Publish(ctx context.Context, event model.NotificationEvent)
}

// Thread 每个帖子下只追加的评论串。
type Thread struct {
	db     *storage.DB
	users  *user.Directory
	pub    Publisher
	logger *logrus.Entry
}

func NewThread(db *storage.DB, users *user.Directory, pub Publisher, logger logging.Logger) *Thread {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Thread{db: db, users: users, pub: pub, logger: logging.Component(logger, "comment")}
}

// AddComment 追加评论。操作者不是作者时，提交后向 user:{author} 推送 new_comment。
func (t *Thread) AddComment(ctx context.Context, postID, userID int64, text string) (*model.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Invalid("text", "comment text is required")
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return nil, domain.Invalid("text", "must be at most %d characters", MaxTextRunes)
	}
	if userID <= 0 {
		return nil, domain.Invalid("userId", "must be positive")
	}
	if postID <= 0 {
		return nil, domain.PostNotFound(postID)
	}

	c := &model.Comment{PostID: postID, AuthorID: userID, Content: text, CreatedAt: t.db.Now()}
	var author int64
	err := t.db.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		if author, err = post.VisibleAuthorOf(ctx, tx, postID, userID); err != nil {
			return err
		}
		c.ID, err = storage.InsertReturningID(ctx, tx,
			`INSERT INTO comments (post_id, author_id, content, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
			postID, userID, text, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Author = t.summary(ctx, userID)
	if userID != author {
		t.notify(ctx, c, author)
	}
	return c, nil
}

// List 按时间倒序返回帖子的评论；帖子对 viewer 不可见时返回 NotFoundError。
func (t *Thread) List(ctx context.Context, postID, viewerID int64, limit int) ([]model.Comment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if _, err := post.VisibleAuthorOf(ctx, t.db, postID, viewerID); err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT id, post_id, author_id, content, created_at FROM comments
		WHERE post_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, postID, limit)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	out := []model.Comment{}
	ids := []int64{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
		ids = append(ids, c.AuthorID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if t.users != nil && len(ids) > 0 {
		authors, err := t.users.Summaries(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i].Author = authors[out[i].AuthorID]
		}
	} else {
		for i := range out {
			out[i].Author = model.AuthorSummary{ID: out[i].AuthorID, Username: user.FallbackName(out[i].AuthorID)}
		}
	}
	return out, nil
}

func (t *Thread) summary(ctx context.Context, id int64) model.AuthorSummary {
	if t.users != nil {
		if s, err := t.users.Summary(ctx, id); err == nil {
			return s
		}
	}
	return model.AuthorSummary{ID: id, Username: user.FallbackName(id)}
}

func (t *Thread) notify(ctx context.Context, c *model.Comment, author int64) {
	if t.pub == nil {
		return
	}
	event, err := model.NewEvent(model.EventNewComment, model.UserRoom(author), model.CommentPayload{
		PostID:   c.PostID,
		Comment:  *c,
		Username: c.Author.Username,
	}, c.CreatedAt)
	if err != nil {
		t.logger.WithError(err).Error("Build new_comment event failed")
		return
	}
	t.pub.Publish(ctx, event)
}
