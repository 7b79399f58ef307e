package presence

import (
	"testing"
	"time"

	"collabCore/backend/internal/bus"
)

func TestRegistry_ConnectDisconnect(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	r.Connect("alice", "h1")
	r.Connect("alice", "h2") // 第二个标签页
	r.SetActivity("alice", "editing", "doc-1")

	rec, ok := r.Get("alice")
	if !ok || rec.Status != StatusOnline {
		t.Fatalf("status = %v, want online", rec.Status)
	}
	if len(rec.ConnectionHandles) != 2 {
		t.Fatalf("handles = %d, want 2", len(rec.ConnectionHandles))
	}

	// 摘掉一条连接还在线
	r.Disconnect("alice", "h1")
	rec, _ = r.Get("alice")
	if rec.Status != StatusOnline {
		t.Fatalf("status after first disconnect = %v, want online", rec.Status)
	}

	// 最后一条摘掉才翻 offline，且清掉在哪/干什么
	r.Disconnect("alice", "h2")
	rec, _ = r.Get("alice")
	if rec.Status != StatusOffline {
		t.Fatalf("status = %v, want offline", rec.Status)
	}
	if rec.CurrentDocumentID != "" || rec.CurrentActivity != "" {
		t.Fatalf("activity fields not cleared: %+v", rec)
	}
}

func TestRegistry_SetStatusUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	r.SetStatus("ghost", StatusAway)
	if _, ok := r.Get("ghost"); ok {
		t.Fatal("SetStatus must not create records")
	}
}

func TestRegistry_ListOnline(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	r.Connect("alice", "h1")
	r.Connect("bob", "h2")
	r.SetStatus("bob", StatusAway)
	r.Connect("carol", "h3")
	r.Disconnect("carol", "h3")

	online := r.ListOnline()
	if len(online) != 1 || online[0].ParticipantID != "alice" {
		t.Fatalf("ListOnline = %+v, want only alice", online)
	}
}

func TestRegistry_HandlesFor(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	r.Connect("alice", "h1")
	r.Connect("alice", "h2")

	handles := r.HandlesFor("alice")
	if len(handles) != 2 {
		t.Fatalf("HandlesFor = %v, want 2 handles", handles)
	}
	if got := r.HandlesFor("ghost"); got != nil {
		t.Fatalf("HandlesFor(ghost) = %v, want nil", got)
	}
}

func TestRegistry_SweepStale(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	// 连接挂着但一直没动静（连接死了没发 disconnect 的场景）
	r.Connect("alice", "h1")
	time.Sleep(20 * time.Millisecond)

	if swept := r.SweepStale(10 * time.Millisecond); swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	rec, _ := r.Get("alice")
	if rec.Status != StatusOffline {
		t.Fatalf("status = %v, want offline", rec.Status)
	}
	if len(rec.ConnectionHandles) != 0 {
		t.Fatalf("handles = %v, want cleared", rec.ConnectionHandles)
	}
}

func TestRegistry_SweepSkipsFresh(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	r.Connect("alice", "h1")
	if swept := r.SweepStale(time.Hour); swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}
}

func TestRegistry_TouchDoesNotReannounce(t *testing.T) {
	events := bus.NewBroadcaster()
	defer events.Close()
	sub := events.Subscribe(TopicPresence)

	r := NewRegistry(events)
	defer r.Close()

	r.Connect("alice", "h1")
	<-sub.C // 上线那一条

	// 心跳续命不该把 presence topic 刷成每跳一条 online
	r.Touch("alice", "h1")
	r.Touch("alice", "h1")
	if len(sub.C) != 0 {
		t.Fatalf("Touch published %d events, want 0", len(sub.C))
	}

	// 被 sweep 判了 offline 之后，心跳救回来要广播恰好一次
	time.Sleep(20 * time.Millisecond)
	r.SweepStale(10 * time.Millisecond)
	<-sub.C // offline 那一条
	r.Touch("alice", "h1")
	evt := <-sub.C
	if evt.Payload.(StatusChange).Status != StatusOnline {
		t.Fatalf("revive event = %+v, want online", evt.Payload)
	}
	if len(sub.C) != 0 {
		t.Fatalf("extra events after revive: %d", len(sub.C))
	}

	rec, _ := r.Get("alice")
	if rec.Status != StatusOnline || len(rec.ConnectionHandles) != 1 {
		t.Fatalf("record = %+v, want online with one handle", rec)
	}
}

func TestRegistry_PublishesStatusChanges(t *testing.T) {
	events := bus.NewBroadcaster()
	defer events.Close()
	sub := events.Subscribe(TopicPresence)

	r := NewRegistry(events)
	defer r.Close()

	r.Connect("alice", "h1")
	r.Disconnect("alice", "h1")

	evt := <-sub.C
	change := evt.Payload.(StatusChange)
	if change.ParticipantID != "alice" || change.Status != StatusOnline {
		t.Fatalf("first event = %+v, want alice online", change)
	}
	evt = <-sub.C
	change = evt.Payload.(StatusChange)
	if change.Status != StatusOffline {
		t.Fatalf("second event = %+v, want offline", change)
	}
}
