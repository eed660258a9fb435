package gateway

import (
	"encoding/json"
	"time"

	"postpulse/server/internal/model"
)

// MessageType WebSocket 文本帧的类型字段
type MessageType string

const (
	// 客户端 -> 服务端
	MessageJoinRoom  MessageType = "join_room"  // 订阅话题房间
	MessageLeaveRoom MessageType = "leave_room" // 退订房间
	MessagePing      MessageType = "ping"       // 应用层心跳

	// 服务端 -> 客户端（控制类）
	MessageConnected  MessageType = "connected"   // 握手完成，携带连接 id 与已加入房间
	MessageRoomJoined MessageType = "room_joined" // join_room 确认
	MessageRoomLeft   MessageType = "room_left"   // leave_room 确认
	MessageError      MessageType = "error"       // 控制消息处理失败，连接不断开
	MessagePong       MessageType = "pong"
)

// 服务端 -> 客户端（通知类）的类型即事件类型本身。
func notificationType(kind model.EventKind) MessageType {
	return MessageType(kind)
}

// ClientMessage 客户端发送给网关的控制消息
type ClientMessage struct {
	Type MessageType `json:"type"`
	Room string      `json:"room,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
//
// Seq 由连接的写协程在写出时分配，同一连接内严格递增。
type ServerMessage struct {
	Type     MessageType     `json:"type"`
	Seq      int64           `json:"seq"`
	Room     string          `json:"room,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ServerTS time.Time       `json:"server_ts"`
	Error    string          `json:"error,omitempty"`
}

// ConnectedPayload connected 消息内容
type ConnectedPayload struct {
	ConnectionID string   `json:"connectionId"`
	UserID       int64    `json:"userId"`
	Rooms        []string `json:"rooms"`
}

// ConnState 连接生命周期
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
