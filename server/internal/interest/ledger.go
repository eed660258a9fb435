// Package interest 维护 (post, user) 兴趣集合。
//
// 兴趣是集合成员关系而不是计数器：主键 (post_id, user_id) 保证至多一行，
// 计数即集合基数。写入幂等，并发的同一对请求收敛到同一最终状态。
package interest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/logging"
	"postpulse/server/internal/model"
	"postpulse/server/internal/post"
	"postpulse/server/internal/storage"
	"postpulse/server/internal/user"
)

// Publisher 接收提交后的通知事件，不得阻塞调用方。
type Publisher interface {
	Publish(ctx context.Context, event model.NotificationEvent)
}

// Result SetInterest 的结果。
type Result struct {
	Interested bool `json:"interested"`
	Count      int  `json:"interestCount"`
}

// Ledger 兴趣账本。
type Ledger struct {
	db     *storage.DB
	users  *user.Directory
	pub    Publisher
	logger *logrus.Entry
}

// NewLedger 创建账本。pub 为 nil 时不发通知。
func NewLedger(db *storage.DB, users *user.Directory, pub Publisher, logger logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Ledger{db: db, users: users, pub: pub, logger: logging.Component(logger, "interest")}
}

// SetInterest 将 userID 对 postID 的兴趣置为 want。
//
// 行数变化（新增或删除了一行）才算状态转换；转换且操作者不是作者时，
// 提交后向 user:{author} 推送 post_interest。
func (l *Ledger) SetInterest(ctx context.Context, postID, userID int64, want bool) (Result, error) {
	if userID <= 0 {
		return Result{}, domain.Invalid("userId", "must be positive")
	}
	if postID <= 0 {
		return Result{}, domain.PostNotFound(postID)
	}

	var (
		res     = Result{Interested: want}
		author  int64
		changed bool
	)
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		if author, err = post.VisibleAuthorOf(ctx, tx, postID, userID); err != nil {
			return err
		}

		var affected int64
		if want {
			r, err := tx.ExecContext(ctx,
				`INSERT INTO post_interests (post_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT (post_id, user_id) DO NOTHING`,
				postID, userID, l.db.Now())
			if err != nil {
				return fmt.Errorf("insert interest: %w", err)
			}
			affected, err = r.RowsAffected()
			if err != nil {
				return err
			}
		} else {
			r, err := tx.ExecContext(ctx,
				`DELETE FROM post_interests WHERE post_id = ? AND user_id = ?`, postID, userID)
			if err != nil {
				return fmt.Errorf("delete interest: %w", err)
			}
			affected, err = r.RowsAffected()
			if err != nil {
				return err
			}
		}
		changed = affected == 1

		res.Count, err = count(ctx, tx, postID)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if changed && userID != author {
		l.notify(ctx, postID, userID, author, want)
	}
	return res, nil
}

func count(ctx context.Context, q storage.Queryer, postID int64) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM post_interests WHERE post_id = ?`, postID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count interests: %w", err)
	}
	return n, nil
}

func (l *Ledger) notify(ctx context.Context, postID, userID, author int64, interested bool) {
	if l.pub == nil {
		return
	}
	username := user.FallbackName(userID)
	if l.users != nil {
		if name, err := l.users.Lookup(ctx, userID); err == nil {
			username = name
		} else {
			l.logger.WithError(err).WithField("user_id", userID).Warn("Username lookup failed")
		}
	}

	event, err := model.NewEvent(model.EventPostInterest, model.UserRoom(author), model.InterestPayload{
		PostID:     postID,
		UserID:     userID,
		Username:   username,
		Interested: interested,
	}, l.db.Now())
	if err != nil {
		l.logger.WithError(err).Error("Build post_interest event failed")
		return
	}
	l.pub.Publish(ctx, event)
}
