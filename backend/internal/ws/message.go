package ws

import (
	"time"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/presence"
	"collabCore/backend/internal/session"
)

type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`
	// open 时的种子内容
	SeedContent string `json:"seedContent,omitempty"`
	// 客户端本地生成的操作标识，op_applied / op_error 原样带回
	OperationID    string       `json:"operationId,omitempty"`
	Operation      ot.Operation `json:"operation,omitempty"`
	ClientRevision uint64       `json:"clientRevision,omitempty"`
	Limit          int          `json:"limit,omitempty"`
	Status         string       `json:"status,omitempty"`
	Activity       string       `json:"activity,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string        { return m.Type }
func (m DocumentStateMessage) MessageType() string { return m.Type }
func (m OpAppliedMessage) MessageType() string     { return m.Type }
func (m OpBroadcastMessage) MessageType() string   { return m.Type }
func (m OpErrorMessage) MessageType() string       { return m.Type }
func (m ParticipantMessage) MessageType() string   { return m.Type }
func (m MembersMessage) MessageType() string       { return m.Type }
func (m DocumentsMessage) MessageType() string     { return m.Type }
func (m PresenceMessage) MessageType() string      { return m.Type }
func (m HistoryMessage) MessageType() string       { return m.Type }

// 打杂的：welcome / feedback / error 之类
type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Content string `json:"content,omitempty"`
}

// 只发给刚 join 的那条连接，用来初始化本地视图
type DocumentStateMessage struct {
	Type     string `json:"type"` // 固定 "document_state"
	DocID    string `json:"docId"`
	Content  string `json:"content"`
	Revision uint64 `json:"revision"`
	// 当前在文档里的人
	Participants []string `json:"participants,omitempty"`
}

// 发起方的确认：带回客户端自己的 operationId 和落地后的版本
type OpAppliedMessage struct {
	Type        string `json:"type"` // 固定 "op_applied"
	DocID       string `json:"docId"`
	OperationID string `json:"operationId"`          // 客户端提交时带的
	ServerOpID  string `json:"serverOpId,omitempty"` // 服务端分配的 ULID
	Revision    uint64 `json:"revision"`
}

// 广播给同文档其他连接的已提交操作（包括同用户的其他标签页）。
// 前端收到后在本地应用 operation，并把本地 revision 对齐。
type OpBroadcastMessage struct {
	Type          string       `json:"type"` // 固定 "op_broadcast"
	DocID         string       `json:"docId"`
	Revision      uint64       `json:"revision"`
	ParticipantID string       `json:"participantId"`
	Operation     ot.Operation `json:"operation"`
	AppliedAt     time.Time    `json:"appliedAt,omitempty"`
}

// 提交失败只回发起方，其他人永远看不到失败的尝试
type OpErrorMessage struct {
	Type        string `json:"type"` // 固定 "op_error"
	DocID       string `json:"docId"`
	OperationID string `json:"operationId"`
	Reason      string `json:"reason"`
}

type ParticipantMessage struct {
	Type          string `json:"type"` // "participant_joined" / "participant_left"
	DocID         string `json:"docId"`
	ParticipantID string `json:"participantId"`
}

type PresenceMessage struct {
	Type          string            `json:"type"` // "presence_changed" / "presence_list"
	ParticipantID string            `json:"participantId,omitempty"`
	Status        presence.Status   `json:"status,omitempty"`
	Records       []presence.Record `json:"records,omitempty"`
}

// 房间成员名单。配了 redis 镜像时从镜像读，能看到别的实例上的人；
// 没配镜像退化成本实例会话里的参与者
type MembersMessage struct {
	Type    string         `json:"type"` // 固定 "members"
	DocID   string         `json:"docId"`
	Members []cache.Member `json:"members"`
}

// 镜像里有人的文档列表
type DocumentsMessage struct {
	Type      string   `json:"type"` // 固定 "documents"
	Documents []string `json:"documents"`
}

type HistoryMessage struct {
	Type       string                `json:"type"` // 固定 "history"
	DocID      string                `json:"docId"`
	Operations []session.CommittedOp `json:"operations"`
}
