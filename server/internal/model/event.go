package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventKind 实时通知事件类型。
type EventKind string

const (
	EventPostInterest    EventKind = "post_interest"
	EventNewComment      EventKind = "new_comment"
	EventPostShare       EventKind = "post_share"
	EventMeetingRequest  EventKind = "meeting_request"
	EventMeetingAccepted EventKind = "meeting_accepted"
	EventNewMessage      EventKind = "new_message"
)

// EventKinds 全部可推送的事件类型，按注册顺序。
var EventKinds = []EventKind{
	EventPostInterest,
	EventNewComment,
	EventPostShare,
	EventMeetingRequest,
	EventMeetingAccepted,
	EventNewMessage,
}

// Valid 判断事件类型是否已知。
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// NotificationEvent 路由到某个房间的领域事件，Payload 为已序列化的 JSON。
type NotificationEvent struct {
	Kind      EventKind       `json:"kind"`
	Room      string          `json:"room"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	// Origin 标记产生事件的实例，跨实例转发时用于去重。
	Origin string `json:"origin,omitempty"`
}

// UserRoom 返回用户的默认房间键。
func UserRoom(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// NewEvent 构造事件并序列化 payload。
func NewEvent(kind EventKind, room string, payload interface{}, now time.Time) (NotificationEvent, error) {
	if !kind.Valid() {
		return NotificationEvent{}, fmt.Errorf("unknown event kind %q", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return NotificationEvent{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return NotificationEvent{Kind: kind, Room: room, Payload: data, CreatedAt: now}, nil
}

// InterestPayload post_interest 事件内容。
type InterestPayload struct {
	PostID     int64  `json:"postID"`
	UserID     int64  `json:"userID"`
	Username   string `json:"username"`
	Interested bool   `json:"interested"`
}

// CommentPayload new_comment 事件内容。
type CommentPayload struct {
	PostID   int64   `json:"postID"`
	Comment  Comment `json:"comment"`
	Username string  `json:"username"`
}
