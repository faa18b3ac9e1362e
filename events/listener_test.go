package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu    sync.Mutex
	calls int
	err   error
	subs  []*fakeSubscription
}

func (f *fakeSubscriber) Subscribe(_ context.Context, topic, _ string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSubscription{
		topic:  topic,
		msgs:   make(chan Message, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) last() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (f *fakeSubscriber) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubscription struct {
	topic     string
	msgs      chan Message
	fail      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSubscription) push(data string) {
	s.msgs <- Message{Topic: s.topic, Data: []byte(data)}
}

func (s *fakeSubscription) Next(ctx context.Context) (Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.fail:
		return Message{}, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *fakeSubscription) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func receive(t *testing.T, l *Listener) Event {
	t.Helper()
	select {
	case ev := <-l.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, s *fakeSubscription) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription was not closed")
	}
}

func TestListener_ArmIsIdempotent(t *testing.T) {
	sub := &fakeSubscriber{}
	l := NewListener(sub, 4, nil)
	defer l.Close()

	armed, err := l.Arm(context.Background(), "m-1", "token")
	if err != nil || !armed {
		t.Fatalf("expected first arm to subscribe, got armed=%v err=%v", armed, err)
	}
	armed, err = l.Arm(context.Background(), "m-1", "token")
	if err != nil || armed {
		t.Fatalf("expected second arm to be a no-op, got armed=%v err=%v", armed, err)
	}
	if got := sub.subscribeCalls(); got != 1 {
		t.Fatalf("expected one subscribe call, got %d", got)
	}
	if !l.Active("m-1") {
		t.Fatalf("expected merchant to be active")
	}
}

func TestListener_ForwardsDecodedEventsAndSkipsGarbage(t *testing.T) {
	sub := &fakeSubscriber{}
	l := NewListener(sub, 4, nil)
	defer l.Close()

	if _, err := l.Arm(context.Background(), "m-1", "token"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	s := sub.last()
	s.push(`garbage`)
	s.push(`{"code":"mr000018","id":"evt-1"}`)

	ev := receive(t, l)
	if ev.Kind != KindPlatformCountersigned || ev.ID != "evt-1" || ev.MerchantID != "m-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestListener_SubscribeFailureAllowsRetry(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("dial tcp: refused")}
	l := NewListener(sub, 4, nil)
	defer l.Close()

	if _, err := l.Arm(context.Background(), "m-1", "token"); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if l.Active("m-1") {
		t.Fatalf("failed arm must release the guard")
	}

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()

	armed, err := l.Arm(context.Background(), "m-1", "token")
	if err != nil || !armed {
		t.Fatalf("expected retry to subscribe, got armed=%v err=%v", armed, err)
	}
}

func TestListener_TransportFailureReleasesGuard(t *testing.T) {
	sub := &fakeSubscriber{}
	l := NewListener(sub, 4, nil)
	defer l.Close()

	if _, err := l.Arm(context.Background(), "m-1", "token"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	s := sub.last()
	s.fail <- errors.New("connection reset")
	waitClosed(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for l.Active("m-1") {
		if time.Now().After(deadline) {
			t.Fatalf("guard not released after transport failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_CloseReleasesSubscriptions(t *testing.T) {
	sub := &fakeSubscriber{}
	l := NewListener(sub, 4, nil)

	if _, err := l.Arm(context.Background(), "m-1", "token"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := l.Arm(context.Background(), "m-2", "token"); err != nil {
		t.Fatalf("arm: %v", err)
	}

	l.Close()
	for _, s := range sub.subs {
		waitClosed(t, s)
	}
	if _, ok := <-l.Events(); ok {
		t.Fatalf("expected events channel closed")
	}
	if _, err := l.Arm(context.Background(), "m-3", "token"); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
	l.Close()
}

func TestListener_Disarm(t *testing.T) {
	sub := &fakeSubscriber{}
	l := NewListener(sub, 4, nil)
	defer l.Close()

	if _, err := l.Arm(context.Background(), "m-1", "token"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	l.Disarm("m-1")
	waitClosed(t, sub.last())
	if l.Active("m-1") {
		t.Fatalf("expected guard cleared by disarm")
	}
}
