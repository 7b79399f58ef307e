package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabCore/backend/internal/session"
)

// 允许本地开发环境来源的 upgrader
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境不发 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub *Hub
	svc *session.Store
	sem *session.SemaphoreControl
}

func NewManager(hub *Hub, svc *session.Store, sem *session.SemaphoreControl) *Manager {
	return &Manager{hub: hub, svc: svc, sem: sem}
}

// WebSocketConnect 入站连接的入口。身份已由 auth 中间件验好放进
// context；没验过的在中间件那层就被拒了，不会走到这里。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	participantID := c.GetString("participantId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, participantID, username, m.svc, m.sem)

	// 先起写循环，保证后面写进 send 的消息能被发出去
	go wsConn.writeLoop()
	// 在线注册 + presence 订阅（会触发 presence_changed 广播）
	wsConn.register()
	wsConn.enqueue(ServerMessage{Type: "welcome", Content: "connected as " + participantID})

	// 读循环阻塞到连接关闭，teardown 在里面做
	wsConn.readLoop(c.Request.Context())
}
