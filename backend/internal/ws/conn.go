package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"collabCore/backend/internal/bus"
	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/presence"
	"collabCore/backend/internal/session"
)

// 镜像里房间成员的租约时长，心跳负责续
const memberTTL = 600 * time.Second

type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	participantID string
	username      string
	// 连接句柄（ULID）。也当客户端实例标识用：事件带着它回来时
	// 说明是自己提交的，不用再推一遍。
	handle string

	svc *session.Store
	sem *session.SemaphoreControl

	send       chan OutboundMessage
	sendMu     sync.Mutex
	sendClosed bool

	// 这条连接 join 过的文档和对应的 bus 订阅
	subMu       sync.Mutex
	docSubs     map[string]*bus.Subscription
	presenceSub *bus.Subscription
}

func NewConn(wsConn *websocket.Conn, hub *Hub, participantID, username string, svc *session.Store, sem *session.SemaphoreControl) *Conn {
	return &Conn{
		ws:            wsConn,
		hub:           hub,
		participantID: participantID,
		username:      username,
		handle:        ulid.Make().String(),
		svc:           svc,
		sem:           sem,
		send:          make(chan OutboundMessage, 32),
		docSubs:       make(map[string]*bus.Subscription),
	}
}

func (c *Conn) Handle() string { return c.handle }

// enqueue 非阻塞入队：队列满了丢消息，绝不拖住投递方。
func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 慢连接：丢
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

// register 连接建立后的固定动作：在线注册 + 订阅 presence topic。
func (c *Conn) register() {
	c.hub.presence.Connect(c.participantID, c.handle)
	sub := c.hub.events.Subscribe(presence.TopicPresence)
	c.subMu.Lock()
	c.presenceSub = sub
	c.subMu.Unlock()
	go c.pumpPresenceEvents(sub)
}

// teardown 断连清理：离开所有文档、注销在线状态、拆掉全部订阅。
// 订阅不拆会只增不减。断连时请求的 ctx 已经取消了，
// 清镜像要用自己的短超时 ctx，不然 RemoveMember 必失败、条目挂到 TTL。
func (c *Conn) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c.subMu.Lock()
	docSubs := c.docSubs
	c.docSubs = make(map[string]*bus.Subscription)
	presenceSub := c.presenceSub
	c.presenceSub = nil
	c.subMu.Unlock()

	for docID, sub := range docSubs {
		c.svc.Leave(docID, c.participantID)
		c.hub.Leave(docID, c)
		c.hub.events.Unsubscribe(sub)
		if c.hub.mirror != nil {
			_ = c.hub.mirror.RemoveMember(ctx, docID, c.participantID)
		}
	}
	if presenceSub != nil {
		c.hub.events.Unsubscribe(presenceSub)
	}
	c.hub.presence.Disconnect(c.participantID, c.handle)
	c.closeSend()
}

func (c *Conn) pumpDocEvents(docID string, sub *bus.Subscription) {
	for evt := range sub.C {
		switch evt.Type {
		case "op_committed":
			ce, ok := evt.Payload.(session.CommitEvent)
			if !ok || ce.ClientID == c.handle {
				// 自己提交的那条走 op_applied ack，不再推一遍
				continue
			}
			c.enqueue(OpBroadcastMessage{
				Type:          "op_broadcast",
				DocID:         ce.DocID,
				Revision:      ce.Committed.Revision,
				ParticipantID: ce.ParticipantID,
				Operation:     ce.Committed.Op,
				AppliedAt:     ce.Committed.AppliedAt,
			})
		case "participant_joined", "participant_left":
			pe, ok := evt.Payload.(session.ParticipantEvent)
			if !ok || pe.ParticipantID == c.participantID {
				continue
			}
			c.enqueue(ParticipantMessage{Type: evt.Type, DocID: pe.DocID, ParticipantID: pe.ParticipantID})
		}
	}
}

func (c *Conn) pumpPresenceEvents(sub *bus.Subscription) {
	for evt := range sub.C {
		change, ok := evt.Payload.(presence.StatusChange)
		if !ok {
			continue
		}
		c.enqueue(PresenceMessage{
			Type:          "presence_changed",
			ParticipantID: change.ParticipantID,
			Status:        change.Status,
		})
	}
}

func (c *Conn) handleJoinDocument(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		c.enqueue(ServerMessage{Type: "error", Content: "MISSING_DOC_ID"})
		return
	}

	// 订阅要先挂上再拿快照：反过来的话，join 返回和订阅生效之间
	// 提交的操作会两头都收不到。先订阅最坏也就是和快照重一条，
	// 客户端按 revision 去重就行。
	c.subMu.Lock()
	sub, already := c.docSubs[docID]
	if !already {
		sub = c.hub.events.Subscribe(session.DocTopic(docID))
		c.docSubs[docID] = sub
	}
	c.subMu.Unlock()
	if !already {
		go c.pumpDocEvents(docID, sub)
	}

	st, err := c.svc.Join(ctx, docID, c.participantID)
	if err != nil {
		log.Printf("join document error (user=%s, doc=%s): %v", c.participantID, docID, err)
		if !already {
			c.subMu.Lock()
			delete(c.docSubs, docID)
			c.subMu.Unlock()
			c.hub.events.Unsubscribe(sub)
		}
		c.enqueue(ServerMessage{Type: "error", DocID: docID, Content: "JOIN_FAILED"})
		return
	}

	c.hub.Join(docID, c)
	c.hub.presence.SetActivity(c.participantID, "editing", docID)
	if c.hub.mirror != nil {
		if err := c.hub.mirror.AddMember(ctx, docID, c.participantID, c.username, memberTTL); err != nil {
			log.Printf("presence mirror add error: %v", err)
		}
	}

	// 快照只发给刚 join 的这条连接；别人收到的是 participant_joined
	c.enqueue(DocumentStateMessage{
		Type:         "document_state",
		DocID:        docID,
		Content:      st.Content,
		Revision:     st.Revision,
		Participants: st.ActiveParticipants,
	})
}

func (c *Conn) handleLeaveDocument(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	c.svc.Leave(docID, c.participantID)
	c.hub.Leave(docID, c)

	c.subMu.Lock()
	if sub, ok := c.docSubs[docID]; ok {
		delete(c.docSubs, docID)
		c.hub.events.Unsubscribe(sub)
	}
	c.subMu.Unlock()

	c.hub.presence.SetActivity(c.participantID, "", "")
	if c.hub.mirror != nil {
		_ = c.hub.mirror.RemoveMember(ctx, docID, c.participantID)
	}
	c.enqueue(ServerMessage{Type: "leaveDocument", DocID: docID, Content: "left"})
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.enqueue(OpErrorMessage{Type: "op_error", DocID: msg.DocID, OperationID: msg.OperationID, Reason: err.Error()})
		return
	}
	defer c.sem.Release()

	op := msg.Operation
	op.OriginatingUser = c.participantID
	committed, err := c.svc.Commit(submitCtx, msg.DocID, op, msg.ClientRevision, c.participantID, c.handle)
	if err != nil {
		// 失败只回发起方，永远不广播
		c.enqueue(OpErrorMessage{Type: "op_error", DocID: msg.DocID, OperationID: msg.OperationID, Reason: err.Error()})
		return
	}
	c.enqueue(OpAppliedMessage{
		Type:        "op_applied",
		DocID:       msg.DocID,
		OperationID: msg.OperationID,
		ServerOpID:  committed.OperationID,
		Revision:    committed.Revision,
	})
}

func (c *Conn) handleListMembers(ctx context.Context, msg ClientMessage) {
	if c.hub.mirror != nil {
		members, err := c.hub.mirror.GetAliveMembers(ctx, msg.DocID)
		if err != nil {
			log.Printf("presence mirror read error: %v", err)
			c.enqueue(ServerMessage{Type: "error", DocID: msg.DocID, Content: "LIST_MEMBERS_FAILED"})
			return
		}
		c.enqueue(MembersMessage{Type: "members", DocID: msg.DocID, Members: members})
		return
	}

	// 没配镜像：退化成本实例的活跃参与者
	st, err := c.svc.Snapshot(msg.DocID)
	if err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: msg.DocID, Content: "DOC_NOT_FOUND"})
		return
	}
	members := make([]cache.Member, 0, len(st.ActiveParticipants))
	for _, p := range st.ActiveParticipants {
		members = append(members, cache.Member{ParticipantID: p})
	}
	c.enqueue(MembersMessage{Type: "members", DocID: msg.DocID, Members: members})
}

func (c *Conn) handleListDocuments(ctx context.Context) {
	if c.hub.mirror == nil {
		c.enqueue(DocumentsMessage{Type: "documents"})
		return
	}
	docs, err := c.hub.mirror.GetDocuments(ctx)
	if err != nil {
		log.Printf("presence mirror read error: %v", err)
		c.enqueue(ServerMessage{Type: "error", Content: "LIST_DOCUMENTS_FAILED"})
		return
	}
	c.enqueue(DocumentsMessage{Type: "documents", Documents: docs})
}

func (c *Conn) handleGetHistory(msg ClientMessage) {
	ops, err := c.svc.History(msg.DocID, msg.Limit)
	if err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: msg.DocID, Content: err.Error()})
		return
	}
	c.enqueue(HistoryMessage{Type: "history", DocID: msg.DocID, Operations: ops})
}

func (c *Conn) handleSetStatus(msg ClientMessage) {
	status := presence.Status(msg.Status)
	switch status {
	case presence.StatusOnline, presence.StatusAway, presence.StatusBusy, presence.StatusOffline:
	default:
		c.enqueue(ServerMessage{Type: "error", Content: "UNKNOWN_STATUS"})
		return
	}
	c.hub.presence.SetStatus(c.participantID, status)
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	// 续在线状态和镜像里的房间租约；Touch 不会每跳都广播一遍 online
	c.hub.presence.Touch(c.participantID, c.handle)

	c.subMu.Lock()
	joined := make([]string, 0, len(c.docSubs))
	for docID := range c.docSubs {
		joined = append(joined, docID)
	}
	c.subMu.Unlock()

	if c.hub.mirror != nil {
		for _, docID := range joined {
			if err := c.hub.mirror.AddMember(ctx, docID, c.participantID, c.username, memberTTL); err != nil {
				log.Printf("presence mirror refresh error: %v", err)
			}
		}
	}
	c.enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.teardown()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%s): %v", c.participantID, err)
			return
		}
		switch msg.Type {
		case "heartbeat":
			c.handleHeartbeat(ctx)

		case "openDocument":
			// 只打开不加入：拿到快照但不出现在 activeParticipants 里
			st, err := c.svc.Open(ctx, msg.DocID, msg.SeedContent)
			if err != nil {
				c.enqueue(ServerMessage{Type: "error", DocID: msg.DocID, Content: "OPEN_FAILED"})
				continue
			}
			c.enqueue(DocumentStateMessage{
				Type:     "document_state",
				DocID:    msg.DocID,
				Content:  st.Content,
				Revision: st.Revision,
			})

		case "joinDocument":
			c.handleJoinDocument(ctx, msg)

		case "leaveDocument":
			c.handleLeaveDocument(ctx, msg)

		case "op_submit":
			c.handleOpSubmit(ctx, msg)

		case "getHistory":
			c.handleGetHistory(msg)

		case "setStatus":
			c.handleSetStatus(msg)

		case "setActivity":
			c.hub.presence.SetActivity(c.participantID, msg.Activity, msg.DocID)

		case "saveDocument":
			if err := c.svc.SaveSnapshot(ctx, msg.DocID); err != nil {
				log.Printf("save document error: %v", err)
				c.enqueue(ServerMessage{Type: "saveDocument", DocID: msg.DocID, Content: "save failed"})
				continue
			}
			c.enqueue(ServerMessage{Type: "saveDocument", DocID: msg.DocID, Content: "saved"})

		case "listOnline":
			c.enqueue(PresenceMessage{Type: "presence_list", Records: c.hub.presence.ListOnline()})

		case "listMembers":
			c.handleListMembers(ctx, msg)

		case "listDocuments":
			c.handleListDocuments(ctx)

		default:
			// 未知类型回一条提示
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}
