package gateway

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"unicode"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/model"
)

var (
	// ErrConnectionNotFound 连接未注册或已注销
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrDuplicateConnection 连接 id 重复注册
	ErrDuplicateConnection = errors.New("connection already registered")
)

const maxRoomLength = 128

// Sender 注册表持有的连接句柄，只被路由器用于投递
type Sender interface {
	ID() string
	UserID() int64
	Enqueue(msg ServerMessage) error
	Close() error
}

type member struct {
	sender Sender
	rooms  map[string]struct{}
}

// Registry 进程内连接注册表：连接 -> 房间集合，房间 -> 连接集合
//
// 关闭的连接不会留下任何成员关系，重连是新的连接 id，由客户端重新加入房间。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]Sender
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*member),
		rooms: make(map[string]map[string]Sender),
	}
}

// Register 绑定连接并自动加入 user:{id} 房间，返回该房间键
func (r *Registry) Register(s Sender) (string, error) {
	room := model.UserRoom(s.UserID())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[s.ID()]; exists {
		return "", ErrDuplicateConnection
	}
	r.conns[s.ID()] = &member{sender: s, rooms: make(map[string]struct{})}
	r.joinLocked(s.ID(), room)
	return room, nil
}

// JoinRoom 加入话题房间；重复加入无副作用
//
// 不允许加入其他用户的 user: 房间。
func (r *Registry) JoinRoom(connID, room string) error {
	if err := validateRoom(room); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	if strings.HasPrefix(room, "user:") && room != model.UserRoom(m.sender.UserID()) {
		return domain.Invalid("room", "cannot join another user's room")
	}
	r.joinLocked(connID, room)
	return nil
}

// LeaveRoom 离开房间；不在房间内视为成功
//
// 允许离开自己的 user: 房间，之后不会自动重新加入。
func (r *Registry) LeaveRoom(connID, room string) error {
	if err := validateRoom(room); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return ErrConnectionNotFound
	}
	r.leaveLocked(connID, room)
	return nil
}

// Unregister 从所有房间移除连接，可重复调用
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return
	}
	for room := range m.rooms {
		r.leaveLocked(connID, room)
	}
	delete(r.conns, connID)
}

// ConnectionsInRoom 返回房间内连接的快照，按连接 id 排序
func (r *Registry) ConnectionsInRoom(room string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Sender, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Rooms 返回连接当前加入的房间（排序）
func (r *Registry) Rooms(connID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// All 返回所有已注册连接的快照，关闭时使用
func (r *Registry) All() []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sender, 0, len(r.conns))
	for _, m := range r.conns {
		out = append(out, m.sender)
	}
	return out
}

// RegistryStats 注册表统计
type RegistryStats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
}

// Stats 获取统计信息
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[int64]struct{}, len(r.conns))
	for _, m := range r.conns {
		users[m.sender.UserID()] = struct{}{}
	}
	return RegistryStats{Connections: len(r.conns), Rooms: len(r.rooms), Users: len(users)}
}

func (r *Registry) joinLocked(connID, room string) {
	m := r.conns[connID]
	m.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Sender)
		r.rooms[room] = members
	}
	members[connID] = m.sender
}

func (r *Registry) leaveLocked(connID, room string) {
	if m, ok := r.conns[connID]; ok {
		delete(m.rooms, room)
	}
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

func validateRoom(room string) error {
	if room == "" {
		return domain.Invalid("room", "room is required")
	}
	if len(room) > maxRoomLength {
		return domain.Invalid("room", "must be at most %d bytes", maxRoomLength)
	}
	for _, c := range room {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return domain.Invalid("room", "must not contain whitespace")
		}
	}
	return nil
}
