package session

import (
	"context"
	"errors"
	"testing"

	"collabCore/backend/internal/bus"
	"collabCore/backend/internal/ot"
)

func newTestStore() *Store {
	return NewStore(nil, nil, nil)
}

func mustJoin(t *testing.T, s *Store, docID, user string) DocumentState {
	t.Helper()
	st, err := s.Join(context.Background(), docID, user)
	if err != nil {
		t.Fatalf("Join error: %v", err)
	}
	return st
}

func mustCommit(t *testing.T, s *Store, docID string, op ot.Operation, rev uint64, user string) CommittedOp {
	t.Helper()
	c, err := s.Commit(context.Background(), docID, op, rev, user, "")
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	return c
}

func TestStore_OpenIdempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	st1, err := s.Open(ctx, "d1", "seed")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if st1.Content != "seed" || st1.Revision != 0 {
		t.Fatalf("state = %+v, want seed content at revision 0", st1)
	}

	// 第二次 open 带别的 seed：返回现状，不重置
	st2, _ := s.Open(ctx, "d1", "other")
	if st2.Content != "seed" {
		t.Fatalf("Open not idempotent: content = %q", st2.Content)
	}
}

func TestStore_JoinIdempotent(t *testing.T) {
	s := newTestStore()
	mustJoin(t, s, "d1", "alice")
	st := mustJoin(t, s, "d1", "alice")
	if len(st.ActiveParticipants) != 1 {
		t.Fatalf("participants = %v, want exactly one alice", st.ActiveParticipants)
	}
}

func TestStore_LeaveNoopAndKeepsDocument(t *testing.T) {
	s := newTestStore()
	mustJoin(t, s, "d1", "alice")

	s.Leave("d1", "ghost") // 本来不在
	s.Leave("d1", "alice")
	s.Leave("d2", "alice") // 没开过的文档

	st, err := s.Snapshot("d1")
	if err != nil {
		t.Fatalf("document evicted by Leave: %v", err)
	}
	if len(st.ActiveParticipants) != 0 {
		t.Fatalf("participants = %v, want empty", st.ActiveParticipants)
	}
}

func TestStore_CommitAtHead(t *testing.T) {
	s := newTestStore()
	mustJoin(t, s, "d1", "alice")

	c := mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "hello"}, 0, "alice")
	if c.Revision != 1 {
		t.Fatalf("Revision = %d, want 1", c.Revision)
	}
	if c.OperationID == "" {
		t.Fatal("OperationID not assigned")
	}

	st, _ := s.Snapshot("d1")
	if st.Content != "hello" || st.Revision != 1 {
		t.Fatalf("state = %+v, want hello@1", st)
	}
}

func TestStore_CommitUnknownDocument(t *testing.T) {
	s := newTestStore()
	_, err := s.Commit(context.Background(), "nope", ot.Operation{Kind: ot.KindInsert, Content: "x"}, 0, "alice", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound (commit must not auto-create)", err)
	}
}

func TestStore_CommitClientAhead(t *testing.T) {
	s := newTestStore()
	mustJoin(t, s, "d1", "alice")
	_, err := s.Commit(context.Background(), "d1", ot.Operation{Kind: ot.KindInsert, Content: "x"}, 5, "alice", "")
	if !errors.Is(err, ErrStaleClientState) {
		t.Fatalf("err = %v, want ErrStaleClientState", err)
	}
}

func TestStore_CommitInvalidLeavesStateUntouched(t *testing.T) {
	s := newTestStore()
	mustJoin(t, s, "d1", "alice")
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "ab"}, 0, "alice")

	_, err := s.Commit(context.Background(), "d1", ot.Operation{Kind: ot.KindDelete, Position: -1, Length: 1}, 1, "alice", "")
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("err = %v, want ErrInvalidOperation", err)
	}

	st, _ := s.Snapshot("d1")
	if st.Content != "ab" || st.Revision != 1 {
		t.Fatalf("state mutated by failed commit: %+v", st)
	}
}

func TestStore_InsertInsertTieBreak(t *testing.T) {
	// 撞位场景："ab"，X 先提交 pos=1，Y 并发提交 pos=1@rev0
	// Y 让位被顶到 pos=2，最终 "aXYb"
	s := newTestStore()
	mustJoin(t, s, "d1", "x")
	mustJoin(t, s, "d1", "y")
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "ab"}, 0, "x")

	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 1, Content: "X"}, 1, "x")
	cy := mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 1, Content: "Y"}, 1, "y")

	if cy.Op.Position != 2 {
		t.Fatalf("rebased position = %d, want 2", cy.Op.Position)
	}
	st, _ := s.Snapshot("d1")
	if st.Content != "aXYb" || st.Revision != 3 {
		t.Fatalf("state = %+v, want aXYb@3", st)
	}
}

func TestStore_DeleteDeleteOverlap(t *testing.T) {
	// "abcdef"：A 删 "bcd"，B 并发想删 "cde"@同版本
	// B 变换后只删 A 没删掉的部分，不报错
	s := newTestStore()
	mustJoin(t, s, "d1", "a")
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "abcdef"}, 0, "a")

	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindDelete, Position: 1, Length: 3}, 1, "a")
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindDelete, Position: 2, Length: 3}, 1, "b")

	st, _ := s.Snapshot("d1")
	if st.Content != "af" {
		t.Fatalf("content = %q, want %q", st.Content, "af")
	}
}

func TestStore_ClampNotReject(t *testing.T) {
	// "hello"，Delete{pos:3,len:10}：夹到末尾得 "hel"，提交成功
	s := newTestStore()
	mustJoin(t, s, "d1", "a")
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "hello"}, 0, "a")

	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindDelete, Position: 3, Length: 10}, 1, "a")
	st, _ := s.Snapshot("d1")
	if st.Content != "hel" {
		t.Fatalf("content = %q, want %q", st.Content, "hel")
	}
}

func TestStore_Convergence(t *testing.T) {
	// 两个并发操作，两种提交顺序必须收敛到同一内容
	opA := ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "x"}
	opB := ot.Operation{Kind: ot.KindDelete, Position: 1, Length: 1}

	run := func(first, second ot.Operation) string {
		s := newTestStore()
		mustJoin(t, s, "d", "u")
		mustCommit(t, s, "d", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "abc"}, 0, "u")
		mustCommit(t, s, "d", first, 1, "u1")
		mustCommit(t, s, "d", second, 1, "u2")
		st, _ := s.Snapshot("d")
		return st.Content
	}

	ab := run(opA, opB)
	ba := run(opB, opA)
	if ab != ba {
		t.Fatalf("divergence: A-then-B = %q, B-then-A = %q", ab, ba)
	}
	if ab != "xac" {
		t.Fatalf("content = %q, want %q", ab, "xac")
	}
}

func TestStore_RevisionMonotonicityAndLogBound(t *testing.T) {
	s := newTestStore()
	s.logBound = 10
	mustJoin(t, s, "d1", "a")

	const n = 25
	for i := 0; i < n; i++ {
		mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "x"}, uint64(i), "a")
	}

	st, _ := s.Snapshot("d1")
	if st.Revision != n {
		t.Fatalf("revision = %d, want %d", st.Revision, n)
	}

	hist, err := s.History("d1", 0)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(hist) != 10 {
		t.Fatalf("log length = %d, want 10 (bounded)", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Revision != hist[i-1].Revision+1 {
			t.Fatalf("log not in ascending revision order: %d after %d", hist[i].Revision, hist[i-1].Revision)
		}
	}
	if hist[len(hist)-1].Revision != n {
		t.Fatalf("newest log revision = %d, want %d", hist[len(hist)-1].Revision, n)
	}
}

func TestStore_HistoryLimit(t *testing.T) {
	s := newTestStore()
	mustJoin(t, s, "d1", "a")
	for i := 0; i < 5; i++ {
		mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "x"}, uint64(i), "a")
	}

	hist, _ := s.History("d1", 2)
	if len(hist) != 2 || hist[0].Revision != 4 || hist[1].Revision != 5 {
		t.Fatalf("History(2) = %+v, want revisions [4 5]", hist)
	}
	if _, err := s.History("nope", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("History(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestStore_EvictedBasisFailsTransform(t *testing.T) {
	s := newTestStore()
	s.logBound = 5
	mustJoin(t, s, "d1", "a")
	for i := 0; i < 20; i++ {
		mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "x"}, uint64(i), "a")
	}

	// 基准 rev=2 早被挤掉了：拒绝而不是悄悄错排
	_, err := s.Commit(context.Background(), "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "y"}, 2, "b", "")
	if !errors.Is(err, ErrTransformFailure) {
		t.Fatalf("err = %v, want ErrTransformFailure", err)
	}
}

func TestStore_BroadcastIsolation(t *testing.T) {
	events := bus.NewBroadcaster()
	defer events.Close()
	s := NewStore(nil, events, nil)
	mustJoin(t, s, "d1", "alice")

	sub := events.Subscribe(DocTopic("d1"))

	// 非法操作：doc topic 上必须零事件
	_, err := s.Commit(context.Background(), "d1", ot.Operation{Kind: ot.KindInsert, Position: -3, Content: "x"}, 0, "alice", "")
	if err == nil {
		t.Fatal("commit should have failed")
	}
	if len(sub.C) != 0 {
		t.Fatalf("failed commit published %d events, want 0", len(sub.C))
	}

	// 成功的提交恰好一条 op_committed
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "x"}, 0, "alice")
	evt := <-sub.C
	if evt.Type != "op_committed" {
		t.Fatalf("event type = %q, want op_committed", evt.Type)
	}
	ce := evt.Payload.(CommitEvent)
	if ce.Committed.Revision != 1 {
		t.Fatalf("event revision = %d, want 1", ce.Committed.Revision)
	}
}

func TestStore_JoinLeaveEvents(t *testing.T) {
	events := bus.NewBroadcaster()
	defer events.Close()
	s := NewStore(nil, events, nil)

	mustJoin(t, s, "d1", "alice")
	sub := events.Subscribe(DocTopic("d1"))

	mustJoin(t, s, "d1", "bob")
	mustJoin(t, s, "d1", "bob") // 重复 join 不重复广播
	s.Leave("d1", "bob")

	first := <-sub.C
	if first.Type != "participant_joined" {
		t.Fatalf("first event = %q, want participant_joined", first.Type)
	}
	second := <-sub.C
	if second.Type != "participant_left" {
		t.Fatalf("second event = %q, want participant_left", second.Type)
	}
	if len(sub.C) != 0 {
		t.Fatalf("unexpected extra events: %d", len(sub.C))
	}
}

// 快照钩子的假实现
type fakeSnapshots struct {
	content string
	rev     uint64
	saved   map[string]string
	has     bool
}

func (f *fakeSnapshots) SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[docID] = content
	return nil
}

func (f *fakeSnapshots) LoadDocumentSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	if !f.has {
		return "", 0, ErrNoSnapshot
	}
	return f.content, f.rev, nil
}

func TestStore_OpenLoadsSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{content: "restored", rev: 7, has: true}
	s := NewStore(snaps, nil, nil)

	st, err := s.Open(context.Background(), "d1", "")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if st.Content != "restored" || st.Revision != 7 {
		t.Fatalf("state = %+v, want restored@7", st)
	}
}

func TestStore_SaveSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{}
	s := NewStore(snaps, nil, nil)
	mustJoin(t, s, "d1", "a")
	mustCommit(t, s, "d1", ot.Operation{Kind: ot.KindInsert, Position: 0, Content: "hello"}, 0, "a")

	if err := s.SaveSnapshot(context.Background(), "d1"); err != nil {
		t.Fatalf("SaveSnapshot error: %v", err)
	}
	if snaps.saved["d1"] != "hello" {
		t.Fatalf("saved = %q, want %q", snaps.saved["d1"], "hello")
	}
	if err := s.SaveSnapshot(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
