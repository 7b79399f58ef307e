package presence

import (
	"sync"
	"time"

	"collabCore/backend/internal/bus"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// 默认扫描参数：5 分钟没动静就判离线，扫描周期同样 5 分钟
const (
	DefaultSweepInterval  = 5 * time.Minute
	DefaultStaleThreshold = 5 * time.Minute
)

// TopicPresence 在线状态变化统一走这个 topic 广播
const TopicPresence = "presence"

// Record 对外暴露的只读快照
type Record struct {
	ParticipantID     string    `json:"participantId"`
	Status            Status    `json:"status"`
	ConnectionHandles []string  `json:"connectionHandles,omitempty"`
	CurrentDocumentID string    `json:"currentDocumentId,omitempty"`
	CurrentActivity   string    `json:"currentActivity,omitempty"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
}

// StatusChange 是 presence topic 上的事件负载
type StatusChange struct {
	ParticipantID string `json:"participantId"`
	Status        Status `json:"status"`
}

// 每个参与者一条记录，带自己的锁。
// 不同参与者的更新互不排斥；同一参与者的 connect/disconnect/setStatus 串行。
type record struct {
	mu         sync.Mutex
	status     Status
	handles    map[string]struct{}
	documentID string
	activity   string
	lastSeenAt time.Time
}

// Registry 进程级在线状态注册表。记录只增不删（留着查 last seen），
// 断连/超时只是把状态翻成 offline。
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	events  *bus.Broadcaster

	sweepOnce sync.Once
	sweepStop chan struct{}
}

func NewRegistry(events *bus.Broadcaster) *Registry {
	return &Registry{
		records:   make(map[string]*record),
		events:    events,
		sweepStop: make(chan struct{}),
	}
}

func (r *Registry) getOrCreate(participantID string) *record {
	r.mu.RLock()
	rec := r.records[participantID]
	r.mu.RUnlock()
	if rec != nil {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec = r.records[participantID]; rec == nil {
		rec = &record{status: StatusOffline, handles: make(map[string]struct{})}
		r.records[participantID] = rec
	}
	return rec
}

// Connect 记录一条新连接。同一用户可以有多条连接（多标签页/多设备）。
func (r *Registry) Connect(participantID, connectionHandle string) {
	rec := r.getOrCreate(participantID)
	rec.mu.Lock()
	rec.handles[connectionHandle] = struct{}{}
	rec.status = StatusOnline
	rec.lastSeenAt = time.Now()
	rec.mu.Unlock()

	r.publishStatus(participantID, StatusOnline)
}

// Touch 心跳续命：刷新 lastSeenAt（把句柄也挂回来，防止刚被 sweep 清掉），
// 但不重复广播上线事件——只有从 offline 翻回来那一次才广播。
func (r *Registry) Touch(participantID, connectionHandle string) {
	rec := r.getOrCreate(participantID)
	rec.mu.Lock()
	rec.handles[connectionHandle] = struct{}{}
	cameBack := rec.status == StatusOffline
	if cameBack {
		rec.status = StatusOnline
	}
	rec.lastSeenAt = time.Now()
	rec.mu.Unlock()

	if cameBack {
		r.publishStatus(participantID, StatusOnline)
	}
}

// Disconnect 摘掉一条连接；最后一条摘掉后翻 offline 并清掉“在哪/干什么”。
func (r *Registry) Disconnect(participantID, connectionHandle string) {
	r.mu.RLock()
	rec := r.records[participantID]
	r.mu.RUnlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	delete(rec.handles, connectionHandle)
	wentOffline := len(rec.handles) == 0 && rec.status != StatusOffline
	if wentOffline {
		rec.status = StatusOffline
		rec.documentID = ""
		rec.activity = ""
	}
	rec.lastSeenAt = time.Now()
	rec.mu.Unlock()

	if wentOffline {
		r.publishStatus(participantID, StatusOffline)
	}
}

// SetStatus 用户手动改状态（比如挂 away）。不认识的参与者直接忽略。
func (r *Registry) SetStatus(participantID string, status Status) {
	r.mu.RLock()
	rec := r.records[participantID]
	r.mu.RUnlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	rec.status = status
	rec.lastSeenAt = time.Now()
	rec.mu.Unlock()

	r.publishStatus(participantID, status)
}

// SetActivity 更新“在哪个文档、在干什么”。
func (r *Registry) SetActivity(participantID, activity, documentID string) {
	rec := r.getOrCreate(participantID)
	rec.mu.Lock()
	rec.activity = activity
	rec.documentID = documentID
	rec.lastSeenAt = time.Now()
	rec.mu.Unlock()
}

// Get 返回单个参与者的快照。
func (r *Registry) Get(participantID string) (Record, bool) {
	r.mu.RLock()
	rec := r.records[participantID]
	r.mu.RUnlock()
	if rec == nil {
		return Record{}, false
	}
	return rec.snapshot(participantID), true
}

// ListOnline 返回 status==online 且还有活连接的参与者。
func (r *Registry) ListOnline() []Record {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	recs := make([]*record, 0, len(r.records))
	for id, rec := range r.records {
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var out []Record
	for i, rec := range recs {
		snap := rec.snapshot(ids[i])
		if snap.Status == StatusOnline && len(snap.ConnectionHandles) > 0 {
			out = append(out, snap)
		}
	}
	return out
}

// HandlesFor 给网关定向投递用：这个用户所有活连接的句柄。
func (r *Registry) HandlesFor(participantID string) []string {
	r.mu.RLock()
	rec := r.records[participantID]
	r.mu.RUnlock()
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]string, 0, len(rec.handles))
	for h := range rec.handles {
		out = append(out, h)
	}
	return out
}

// SweepStale 兜底清理：连接死掉但没发 disconnect 的，句柄会一直挂着。
// lastSeenAt 超过阈值且不是 offline 的记录，强制翻 offline 并清句柄。
// 每条记录只占自己那把锁的临界区，不会拖住正常更新。
func (r *Registry) SweepStale(threshold time.Duration) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	recs := make([]*record, 0, len(r.records))
	for id, rec := range r.records {
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	swept := 0
	for i, rec := range recs {
		rec.mu.Lock()
		stale := rec.status != StatusOffline && rec.lastSeenAt.Before(cutoff)
		if stale {
			rec.status = StatusOffline
			rec.handles = make(map[string]struct{})
			rec.documentID = ""
			rec.activity = ""
		}
		rec.mu.Unlock()
		if stale {
			swept++
			r.publishStatus(ids[i], StatusOffline)
		}
	}
	return swept
}

// StartSweeper 启动周期扫描，Close 时停。
func (r *Registry) StartSweeper(interval, threshold time.Duration) {
	r.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.SweepStale(threshold)
				case <-r.sweepStop:
					return
				}
			}
		}()
	})
}

func (r *Registry) Close() {
	select {
	case <-r.sweepStop:
	default:
		close(r.sweepStop)
	}
}

func (r *Registry) publishStatus(participantID string, status Status) {
	if r.events == nil {
		return
	}
	r.events.Publish(TopicPresence, bus.Event{
		Type:    "presence_changed",
		Payload: StatusChange{ParticipantID: participantID, Status: status},
	})
}

func (rec *record) snapshot(participantID string) Record {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	handles := make([]string, 0, len(rec.handles))
	for h := range rec.handles {
		handles = append(handles, h)
	}
	return Record{
		ParticipantID:     participantID,
		Status:            rec.status,
		ConnectionHandles: handles,
		CurrentDocumentID: rec.documentID,
		CurrentActivity:   rec.activity,
		LastSeenAt:        rec.lastSeenAt,
	}
}
