package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"collabCore/backend/internal/bus"
	"collabCore/backend/internal/ot"
)

// 已提交操作日志的默认上限
const DefaultLogBound = 100

// DocTopic 返回某文档事件在广播枢纽上的 topic 名。
func DocTopic(docID string) string { return "doc:" + docID }

// 快照持久化是外部协作方：这里只声明钩子，实现在 store 包（MySQL）。
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
	// 没有快照时返回 ErrNoSnapshot（errors.Is 可判）
	LoadDocumentSnapshot(ctx context.Context, docID string) (content string, rev uint64, err error)
}

// ErrNoSnapshot 由 SnapshotStore 实现返回，表示“该文档从没存过快照”。
var ErrNoSnapshot = errors.New("no snapshot")

// CommittedOp 已提交（可能已变换过）的操作，带提交时分配的版本号。
type CommittedOp struct {
	OperationID string       `json:"operationId"`
	Revision    uint64       `json:"revision"`
	Op          ot.Operation `json:"op"`
	AppliedAt   time.Time    `json:"appliedAt"`
}

// DocumentState 对外的只读快照（迟到者用它初始化本地视图）。
type DocumentState struct {
	DocumentID         string    `json:"documentId"`
	Content            string    `json:"content"`
	Revision           uint64    `json:"revision"`
	ActiveParticipants []string  `json:"activeParticipants"`
	LastModifiedAt     time.Time `json:"lastModifiedAt"`
}

// CommitEvent 是 doc topic 上 op_committed 事件的负载。
// ClientID 是提交方的客户端实例标识（同一用户可有多个：多端/多标签页），
// 网关靠它把事件滤掉不回发给发起连接自己。
type CommitEvent struct {
	DocID         string      `json:"docId"`
	ParticipantID string      `json:"participantId"`
	ClientID      string      `json:"clientId,omitempty"`
	Committed     CommittedOp `json:"committed"`
}

// ParticipantEvent 是 participant_joined / participant_left 的负载。
type ParticipantEvent struct {
	DocID         string `json:"docId"`
	ParticipantID string `json:"participantId"`
}

// 每个打开的文档一份权威状态，自带一把锁：
// 单文档的 commit 串行（链式变换要求日志尾部在计算期间不动），
// 文档之间完全独立，可以并发提交。
type docState struct {
	mu           sync.Mutex
	content      []rune
	revision     uint64
	log          []CommittedOp // 升序，最多 logBound 条
	participants map[string]struct{}
	lastModified time.Time
}

// Store 拥有全部打开文档的会话状态。进程启动时建一个，
// 不搞散落的包级单例。
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*docState
	logBound int

	// 依赖注入：只声明接口，实现在别的包
	snapshots  SnapshotStore
	events     *bus.Broadcaster
	dispatcher *KafkaDispatcher
}

func NewStore(snapshots SnapshotStore, events *bus.Broadcaster, dispatcher *KafkaDispatcher) *Store {
	return &Store{
		docs:       make(map[string]*docState),
		logBound:   DefaultLogBound,
		snapshots:  snapshots,
		events:     events,
		dispatcher: dispatcher,
	}
}

// Open 幂等打开文档：已打开直接返回现状，否则先问快照钩子，
// 没有快照就从 seed（可空）和版本 0 开始。
func (s *Store) Open(ctx context.Context, docID, seedContent string) (DocumentState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return s.snapshotOf(docID, ds), nil
	}

	content, revision := seedContent, uint64(0)
	if s.snapshots != nil {
		c, rev, err := s.snapshots.LoadDocumentSnapshot(ctx, docID)
		switch {
		case err == nil:
			content, revision = c, rev
		case errors.Is(err, ErrNoSnapshot):
			// 第一次打开，正常
		default:
			return DocumentState{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ds = s.docs[docID]; ds == nil {
		ds = &docState{
			content:      []rune(content),
			revision:     revision,
			participants: make(map[string]struct{}),
			lastModified: time.Now(),
		}
		s.docs[docID] = ds
	}
	return s.snapshotOf(docID, ds), nil
}

// Join 把参与者加进 activeParticipants（文档不存在就先建）并返回快照。
// 重复 join 不会把人加两遍，也不会重复广播。
func (s *Store) Join(ctx context.Context, docID, participantID string) (DocumentState, error) {
	if _, err := s.Open(ctx, docID, ""); err != nil {
		return DocumentState{}, err
	}
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()

	ds.mu.Lock()
	_, already := ds.participants[participantID]
	ds.participants[participantID] = struct{}{}
	ds.mu.Unlock()

	if !already {
		s.publish(docID, "participant_joined", ParticipantEvent{DocID: docID, ParticipantID: participantID})
	}
	return s.snapshotOf(docID, ds), nil
}

// Leave 把参与者移出去。人本来不在、文档没开过都当 no-op；文档不驱逐。
func (s *Store) Leave(docID, participantID string) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return
	}

	ds.mu.Lock()
	_, present := ds.participants[participantID]
	delete(ds.participants, participantID)
	ds.mu.Unlock()

	if present {
		s.publish(docID, "participant_left", ParticipantEvent{DocID: docID, ParticipantID: participantID})
	}
}

// Commit 中心入口：校验 → 追平变换 → 原子落地。
// 成功时返回 rebased 操作和新版本，并向 doc topic 广播 + 进 Kafka 队列；
// 任何失败都不会动 DocumentState 半个字段，也不会产生任何广播。
func (s *Store) Commit(ctx context.Context, docID string, proposed ot.Operation, clientRevision uint64, participantID, clientID string) (CommittedOp, error) {
	if err := proposed.Validate(); err != nil {
		return CommittedOp{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		// commit 从不自动建文档
		return CommittedOp{}, ErrNotFound
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if clientRevision > ds.revision {
		return CommittedOp{}, ErrStaleClientState
	}

	rebased := proposed
	if clientRevision < ds.revision {
		// 客户端落后：对版本 > clientRevision 的每条已提交操作按序变换
		basis, ok := ds.opsAfter(clientRevision)
		if !ok {
			// 变换基准已经被有界日志挤掉了，没法忠实追平
			return CommittedOp{}, fmt.Errorf("%w: basis before revision %d evicted", ErrTransformFailure, clientRevision)
		}
		ops := make([]ot.Operation, len(basis))
		for i, c := range basis {
			ops[i] = c.Op
		}
		rebased = ot.TransformAll(rebased, ops)
		if rebased.Validate() != nil {
			return CommittedOp{}, ErrTransformFailure
		}
	}

	if participantID != "" && rebased.OriginatingUser == "" {
		rebased.OriginatingUser = participantID
	}
	if rebased.CreatedAt.IsZero() {
		rebased.CreatedAt = time.Now()
	}

	// 落地：内容、版本、日志、时间戳一起改，持锁期间全做完（all-or-nothing）
	ds.content = rebased.Apply(ds.content)
	ds.revision++
	committed := CommittedOp{
		OperationID: ulid.Make().String(),
		Revision:    ds.revision,
		Op:          rebased,
		AppliedAt:   time.Now(),
	}
	ds.log = append(ds.log, committed)
	if len(ds.log) > s.logBound {
		ds.log = ds.log[len(ds.log)-s.logBound:]
	}
	ds.lastModified = committed.AppliedAt

	// 广播和 Kafka 都是 fire-and-forget，不占提交临界区以外的任何东西
	s.publish(docID, "op_committed", CommitEvent{DocID: docID, ParticipantID: participantID, ClientID: clientID, Committed: committed})
	if s.dispatcher != nil {
		_ = s.dispatcher.Enqueue(ctx, DocOpEvent{
			EventType:     "OP_APPLIED",
			DocID:         docID,
			OperationID:   committed.OperationID,
			Revision:      committed.Revision,
			ParticipantID: participantID,
			BaseRevision:  clientRevision,
			Op:            committed.Op,
			AppliedAt:     committed.AppliedAt,
		})
	}
	return committed, nil
}

// opsAfter 返回日志里版本 > clientRevision 的那段；
// 如果需要的最老基准已被挤出日志，第二个返回值为 false。
func (ds *docState) opsAfter(clientRevision uint64) ([]CommittedOp, bool) {
	if len(ds.log) == 0 {
		return nil, false
	}
	if ds.log[0].Revision > clientRevision+1 {
		return nil, false
	}
	for i, c := range ds.log {
		if c.Revision > clientRevision {
			return ds.log[i:], true
		}
	}
	return nil, false
}

// Snapshot 给迟到者的只读副本。
func (s *Store) Snapshot(docID string) (DocumentState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return DocumentState{}, ErrNotFound
	}
	return s.snapshotOf(docID, ds), nil
}

// History 返回日志里最近 limit 条，升序（最老的在前）。
func (s *Store) History(docID string, limit int) ([]CommittedOp, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return nil, ErrNotFound
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	n := len(ds.log)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CommittedOp, n)
	copy(out, ds.log[len(ds.log)-n:])
	return out, nil
}

// SaveSnapshot 按需把当前内容交给快照钩子。
func (s *Store) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not configured")
	}
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return ErrNotFound
	}

	ds.mu.Lock()
	content := string(ds.content)
	rev := ds.revision
	ds.mu.Unlock()
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, rev, content)
}

func (s *Store) snapshotOf(docID string, ds *docState) DocumentState {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	participants := make([]string, 0, len(ds.participants))
	for p := range ds.participants {
		participants = append(participants, p)
	}
	return DocumentState{
		DocumentID:         docID,
		Content:            string(ds.content),
		Revision:           ds.revision,
		ActiveParticipants: participants,
		LastModifiedAt:     ds.lastModified,
	}
}

func (s *Store) publish(docID, eventType string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(DocTopic(docID), bus.Event{Type: eventType, Payload: payload})
}
