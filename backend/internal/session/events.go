package session

import (
	"time"

	"collabCore/backend/internal/ot"
)

// DocOpEvent 发往 Kafka 的已提交操作事件，供其他实例 / 下游消费。
type DocOpEvent struct {
	EventType     string       `json:"eventType"` // 固定 "OP_APPLIED"
	DocID         string       `json:"docId"`
	OperationID   string       `json:"operationId"`
	Revision      uint64       `json:"revision"`
	ParticipantID string       `json:"participantId"`
	BaseRevision  uint64       `json:"baseRevision"` // 客户端提交时声称的版本
	Op            ot.Operation `json:"op"`
	AppliedAt     time.Time    `json:"appliedAt"`
}
