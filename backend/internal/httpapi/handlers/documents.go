package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"collabCore/backend/internal/presence"
	"collabCore/backend/internal/session"
	"collabCore/backend/internal/store"
)

// 简单查询面：在线名单、单人状态、文档的活跃参与者、历史、建档。
type QueryHandler struct {
	sessions *session.Store
	registry *presence.Registry
	docs     *store.DocumentStore // 可为 nil（不配 MySQL 时建档功能不可用）
	users    *store.UserStore     // 同上，建档时查 ownerID 用
}

func NewQueryHandler(sessions *session.Store, registry *presence.Registry, docs *store.DocumentStore, users *store.UserStore) *QueryHandler {
	return &QueryHandler{sessions: sessions, registry: registry, docs: docs, users: users}
}

func (h *QueryHandler) ListOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.registry.ListOnline()})
}

func (h *QueryHandler) GetPresence(c *gin.Context) {
	participantID := c.Param("participantId")
	rec, ok := h.registry.Get(participantID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant unknown"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *QueryHandler) GetActiveParticipants(c *gin.Context) {
	docID := c.Param("docId")
	st, err := h.sessions.Snapshot(docID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "participants": st.ActiveParticipants})
}

func (h *QueryHandler) GetHistory(c *gin.Context) {
	docID := c.Param("docId")
	// 解析失败就当没传
	limit, _ := strconv.Atoi(c.Query("limit"))
	ops, err := h.sessions.History(docID, limit)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "operations": ops})
}

type createDocReq struct {
	Title       string `json:"title"`
	SeedContent string `json:"seedContent"`
}

func (h *QueryHandler) CreateDocument(c *gin.Context) {
	if h.docs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document store not configured"})
		return
	}
	var req createDocReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing title"})
		return
	}

	// ownerID 查不到不挡建档，留 0
	var ownerID uint64
	if h.users != nil {
		if id, err := h.users.GetUserID(c.Request.Context(), c.GetString("username")); err == nil {
			ownerID = id
		}
	}

	docID := ulid.Make().String()
	if err := h.docs.CreateDocument(c.Request.Context(), ownerID, docID, req.Title); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.sessions.Open(c.Request.Context(), docID, req.SeedContent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "title": req.Title})
}

func (h *QueryHandler) ResolveDocument(c *gin.Context) {
	if h.docs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document store not configured"})
		return
	}
	title := c.Query("title")
	docID, err := h.docs.GetDocumentID(c.Request.Context(), title)
	if errors.Is(err, store.ErrDocumentUnknown) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document unknown"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "title": title})
}
