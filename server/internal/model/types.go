package model

import "time"

// Visibility 帖子可见性。
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityOwnerOnly Visibility = "owner-only"
)

// Valid 判断可见性取值是否合法。
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityOwnerOnly
}

// AuthorSummary 作者摘要，嵌入帖子与评论的输出中。
type AuthorSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Post 帖子。创建后除 archived 外不可变。
type Post struct {
	ID         int64         `json:"id"`
	AuthorID   int64         `json:"authorId"`
	Author     AuthorSummary `json:"author"`
	Content    string        `json:"content"`
	Visibility Visibility    `json:"visibility"`
	CreatedAt  time.Time     `json:"createdAt"`
	Tags       []string      `json:"tags"`
	Images     []string      `json:"images"`
	Archived   bool          `json:"-"`

	// 以下为读模型字段，创建时为零值。
	InterestCount  int       `json:"interestCount"`
	CommentCount   int       `json:"commentCount"`
	UserInterested bool      `json:"userInterested"`
	RecentComments []Comment `json:"recentComments"`
}

// Comment 评论，只追加不修改。
type Comment struct {
	ID        int64         `json:"id"`
	PostID    int64         `json:"postId"`
	AuthorID  int64         `json:"-"`
	Author    AuthorSummary `json:"author"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
}

// FeedEntry 是帖子在 feed 中的反范式化投影，每次读取时计算，不跨请求缓存。
type FeedEntry = Post

// Pagination 分页信息。hasMore 为廉价启发式：本页行数等于 limit。
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

// FeedPage 一页 feed。
type FeedPage struct {
	Posts      []FeedEntry `json:"posts"`
	Pagination Pagination  `json:"pagination"`
}

// User 用户目录中的一条记录（凭证由外部系统签发）。
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Summary 返回作者摘要。
func (u User) Summary() AuthorSummary {
	return AuthorSummary{ID: u.ID, Username: u.Username}
}
