package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type cardStatus struct {
	Card string
	Link string
}

func statusTopic(card string) Topic { return T("storage", "sd", card, "status") }
func controlTopic(card, verb string) Topic { return T("storage", "sd", card, "control", verb) }

// ---- retained status replay ----

func TestStatusWildcardReplaysRetainedToLateSubscriber(t *testing.T) {
	b := NewBus(8)
	svc := b.NewConnection("storage")

	svc.Publish(svc.NewMessage(statusTopic("sd0"), cardStatus{"sd0", "up"}, true))
	svc.Publish(svc.NewMessage(statusTopic("hc0"), cardStatus{"hc0", "degraded"}, true))
	svc.Publish(svc.NewMessage(T("storage", "state"), "ready", true))
	svc.Publish(svc.NewMessage(controlTopic("sd0", "read"), 7, false))

	mon := b.NewConnection("heartbeat")
	sub := mon.Subscribe(T("storage", "sd", "+", "status"))

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		m := recv(t, sub)
		if !m.Retained {
			t.Fatalf("replayed %v not marked retained", m.Topic)
		}
		st := m.Payload.(cardStatus)
		if !m.Topic.Equal(statusTopic(st.Card)) {
			t.Fatalf("payload for %s arrived on %v", st.Card, m.Topic)
		}
		got[st.Card] = st.Link
	}
	if got["sd0"] != "up" || got["hc0"] != "degraded" {
		t.Fatalf("replayed statuses %v", got)
	}
	expectQuiet(t, sub)

	// Live updates follow the replay; controls never match.
	svc.Publish(svc.NewMessage(statusTopic("sd0"), cardStatus{"sd0", "degraded"}, true))
	svc.Publish(svc.NewMessage(controlTopic("sd0", "status"), nil, false))
	if st := recv(t, sub).Payload.(cardStatus); st.Card != "sd0" || st.Link != "degraded" {
		t.Fatalf("live update %+v", st)
	}
	expectQuiet(t, sub)
}

func TestRetainedStatusKeepsNewestOnly(t *testing.T) {
	b := NewBus(8)
	c := b.NewConnection("storage")
	for _, link := range []string{"down", "up", "degraded"} {
		c.Publish(c.NewMessage(statusTopic("sd0"), cardStatus{"sd0", link}, true))
	}

	sub := b.NewConnection("late").Subscribe(T("storage", "#"))
	if st := recv(t, sub).Payload.(cardStatus); st.Link != "degraded" {
		t.Fatalf("replayed %q, want the newest status", st.Link)
	}
	expectQuiet(t, sub)
}

func TestMonitorAllStorageTopics(t *testing.T) {
	b := NewBus(8)
	svc := b.NewConnection("storage")
	svc.Publish(svc.NewMessage(T("storage", "state"), "idle", true))

	sub := b.NewConnection("monitor").Subscribe(T("storage", "#"))
	if m := recv(t, sub); m.Payload != "idle" {
		t.Fatalf("replay %v", m.Payload)
	}

	svc.Publish(svc.NewMessage(statusTopic("sd0"), cardStatus{"sd0", "up"}, true))
	svc.Publish(svc.NewMessage(controlTopic("sd0", "init"), nil, false))
	svc.Publish(svc.NewMessage(T("config", "storage"), "cfg", true))

	if m := recv(t, sub); !m.Topic.Equal(statusTopic("sd0")) {
		t.Fatalf("first live message on %v", m.Topic)
	}
	if m := recv(t, sub); !m.Topic.Equal(controlTopic("sd0", "init")) {
		t.Fatalf("second live message on %v", m.Topic)
	}
	expectQuiet(t, sub)
}

// ---- clearing retained messages ----

func TestClearRetainedStatusPrunesPath(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("storage")

	c.Publish(c.NewMessage(statusTopic("sd0"), cardStatus{"sd0", "up"}, true))
	c.Publish(c.NewMessage(statusTopic("hc0"), cardStatus{"hc0", "up"}, true))

	c.Publish(c.NewMessage(statusTopic("sd0"), nil, true))
	if hasNode(b, T("storage", "sd", "sd0")) {
		t.Fatal("cleared card left nodes behind")
	}
	if !hasNode(b, statusTopic("hc0")) {
		t.Fatal("sibling status pruned")
	}

	sub := b.NewConnection("late").Subscribe(T("storage", "sd", "+", "status"))
	if st := recv(t, sub).Payload.(cardStatus); st.Card != "hc0" {
		t.Fatalf("replayed %s after clear", st.Card)
	}
	expectQuiet(t, sub)

	c.Publish(c.NewMessage(statusTopic("hc0"), nil, true))
	sub.Unsubscribe()
	if hasNode(b, T("storage")) {
		t.Fatal("empty storage subtree not pruned")
	}
}

func TestClearRetainedReachesLiveSubscriber(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("storage")
	c.Publish(c.NewMessage(statusTopic("sd0"), cardStatus{"sd0", "up"}, true))

	sub := c.Subscribe(statusTopic("sd0"))
	recv(t, sub)

	c.Publish(c.NewMessage(statusTopic("sd0"), nil, true))
	if m := recv(t, sub); m.Payload != nil {
		t.Fatalf("clear delivered payload %v", m.Payload)
	}
	if !hasNode(b, statusTopic("sd0")) {
		t.Fatal("node with a live subscriber was pruned")
	}
	if retainedAt(b, statusTopic("sd0")) != nil {
		t.Fatal("retained message survived the clear")
	}
}

func TestClearUnknownTopicCreatesNothing(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("storage")
	c.Publish(c.NewMessage(statusTopic("nope"), nil, true))
	if hasNode(b, T("storage")) {
		t.Fatal("clearing an absent topic created nodes")
	}
}

// ---- request/reply ----

func TestRequestWaitServedThroughControlWildcard(t *testing.T) {
	b := NewBus(8)
	svc := b.NewConnection("storage")
	ctrl := svc.Subscribe(T("storage", "sd", "+", "control", "+"))

	go func() {
		for m := range ctrl.Channel() {
			svc.Reply(m, m.Topic.At(2).(string)+":"+m.Topic.At(4).(string), false)
		}
	}()
	t.Cleanup(ctrl.Unsubscribe)

	cli := b.NewConnection("shell")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	type result struct {
		req   *Message
		reply *Message
		err   error
	}
	out := make(chan result, 2)
	for _, card := range []string{"sd0", "hc0"} {
		go func(card string) {
			req := cli.NewMessage(controlTopic(card, "status"), nil, false)
			rep, err := cli.RequestWait(ctx, req)
			out <- result{req, rep, err}
		}(card)
	}

	var replyTopics []Topic
	for i := 0; i < 2; i++ {
		r := <-out
		if r.err != nil {
			t.Fatalf("RequestWait: %v", r.err)
		}
		card := r.req.Topic.At(2).(string)
		if r.reply.Payload != card+":status" {
			t.Fatalf("%s got reply %v", card, r.reply.Payload)
		}
		if !r.reply.Topic.Equal(r.req.ReplyTo) || r.reply.Topic.At(0) != "_reply" || r.reply.Topic.At(1) != "shell" {
			t.Fatalf("reply topic %v for ReplyTo %v", r.reply.Topic, r.req.ReplyTo)
		}
		replyTopics = append(replyTopics, r.reply.Topic)
	}
	if replyTopics[0].Equal(replyTopics[1]) {
		t.Fatalf("concurrent requests shared reply topic %v", replyTopics[0])
	}
	if hasNode(b, T("_reply")) {
		t.Fatal("reply subscriptions left in the trie")
	}
}

func TestRequestWaitExpiryRemovesReplySubscription(t *testing.T) {
	b := NewBus(4)
	cli := b.NewConnection("shell")

	// Nobody serves hc0.
	req := cli.NewMessage(controlTopic("hc0", "init"), nil, false)
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rep, err := cli.RequestWait(ctx, req)
	if !errors.Is(err, context.DeadlineExceeded) || rep != nil {
		t.Fatalf("RequestWait = %v, %v; want deadline exceeded", rep, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the deadline")
	}
	if len(req.ReplyTo) == 0 {
		t.Fatal("request was not stamped with a reply topic")
	}
	if hasNode(b, req.ReplyTo) || hasNode(b, T("_reply")) {
		t.Fatal("reply subscription not removed after expiry")
	}
	if n := subCount(cli); n != 0 {
		t.Fatalf("connection still owns %d subscriptions", n)
	}

	// A reply arriving after the caller gave up goes nowhere.
	b.NewConnection("storage").Reply(req, "late", false)
	if hasNode(b, T("_reply")) {
		t.Fatal("late reply created nodes")
	}
}

func TestRequestWaitCancelled(t *testing.T) {
	b := NewBus(4)
	cli := b.NewConnection("shell")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cli.RequestWait(ctx, cli.NewMessage(controlTopic("sd0", "read"), nil, false))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if subCount(cli) != 0 {
		t.Fatal("subscription leaked")
	}
}

func TestReplyWithoutReplyToIsDropped(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("storage")
	watch := c.Subscribe(T("#"))

	m := c.NewMessage(controlTopic("sd0", "status"), nil, false)
	if m.CanReply() {
		t.Fatal("plain publish claims a reply topic")
	}
	c.Reply(m, "ignored", false)
	expectQuiet(t, watch)
}

// ---- queues, topics, connections ----

func TestQueueDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(statusTopic("sd0"))

	for _, link := range []string{"down", "up", "degraded"} {
		c.Publish(c.NewMessage(statusTopic("sd0"), cardStatus{"sd0", link}, false))
	}
	if st := recv(t, s).Payload.(cardStatus); st.Link != "up" {
		t.Fatalf("oldest kept message %q, want up", st.Link)
	}
	if st := recv(t, s).Payload.(cardStatus); st.Link != "degraded" {
		t.Fatalf("newest message %q, want degraded", st.Link)
	}
}

func TestUnsubscribeTwiceIsHarmless(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	s := c.Subscribe(T("storage", "state"))
	c.Unsubscribe(s)
	c.Unsubscribe(s)

	if _, ok := <-s.Channel(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	c.Publish(c.NewMessage(T("storage", "state"), "x", false))
	if hasNode(b, T("storage")) {
		t.Fatal("unsubscribed path not pruned")
	}
}

func TestDisconnectClosesEverySubscription(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("heartbeat")
	s1 := c.Subscribe(T("storage", "sd", "+", "status"))
	s2 := c.Subscribe(T("config", "heartbeat"))
	c.Disconnect()

	for _, s := range []*Subscription{s1, s2} {
		if _, ok := <-s.Channel(); ok {
			t.Fatalf("%v still open", s.Topic())
		}
	}
	if hasNode(b, T("storage")) || hasNode(b, T("config")) {
		t.Fatal("disconnect left subscriptions in the trie")
	}
}

func TestTopicAppendDoesNotAlias(t *testing.T) {
	base := make(Topic, 2, 8)
	base[0], base[1] = "storage", "sd"
	a := base.Append("sd0")
	c := base.Append("sd1")
	if a.At(2) != "sd0" || c.At(2) != "sd1" {
		t.Fatalf("append aliased: %v %v", a, c)
	}
	if !a.Equal(T("storage", "sd", "sd0")) {
		t.Fatalf("unexpected topic %v", a)
	}
}

func TestTopicRejectsUnusableTokens(t *testing.T) {
	for name, tok := range map[string]Token{
		"nil":   nil,
		"slice": []byte("sd0"),
		"map":   map[string]int{},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("%s token accepted", name)
				}
			}()
			T("storage", tok)
		}()
	}
	if T("_reply", "shell", 3).Len() != 3 {
		t.Fatal("int token rejected")
	}
}

// ---- helpers ----

func recv(t *testing.T, sub *Subscription) *Message {
	t.Helper()
	select {
	case m, ok := <-sub.Channel():
		if !ok {
			t.Fatalf("%v closed", sub.Topic())
		}
		return m
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("nothing on %v", sub.Topic())
	}
	return nil
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case m := <-sub.Channel():
		t.Fatalf("unexpected %v on %v", m.Payload, m.Topic)
	case <-time.After(40 * time.Millisecond):
	}
}

func hasNode(b *Bus, topic Topic) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookup(topic) != nil
}

func retainedAt(b *Bus, topic Topic) *Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n := b.lookup(topic); n != nil {
		return n.retained
	}
	return nil
}

func subCount(c *Connection) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
