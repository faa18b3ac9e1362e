package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrListenerClosed is returned when arming after Close.
var ErrListenerClosed = errors.New("events: listener closed")

// Subscriber opens a subscription on a pub/sub transport.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, token string) (Subscription, error)
}

// Subscription yields raw messages until closed.
type Subscription interface {
	Next(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

type activeSub struct {
	cancel context.CancelFunc
}

// Listener keeps at most one live subscription per merchant and forwards
// decoded events on a single channel.
type Listener struct {
	sub    Subscriber
	logger *zap.Logger
	out    chan Event

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeSub
	closed bool
}

func NewListener(sub Subscriber, buffer int, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 32
	}
	base, cancel := context.WithCancel(context.Background())
	return &Listener{
		sub:    sub,
		logger: logger,
		out:    make(chan Event, buffer),
		base:   base,
		cancel: cancel,
		active: make(map[string]*activeSub),
	}
}

// Events is closed once the listener is closed and all readers drained.
func (l *Listener) Events() <-chan Event {
	return l.out
}

// Active reports whether merchantID has a live subscription.
func (l *Listener) Active(merchantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[merchantID]
	return ok
}

// Arm subscribes to the merchant topic. It returns false without doing
// anything when a subscription already exists. ctx bounds only the
// subscribe handshake; the subscription lives until Disarm or Close.
func (l *Listener) Arm(ctx context.Context, merchantID, token string) (bool, error) {
	if merchantID == "" {
		return false, fmt.Errorf("events: merchant id required")
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, ErrListenerClosed
	}
	if _, ok := l.active[merchantID]; ok {
		l.mu.Unlock()
		return false, nil
	}
	subCtx, cancel := context.WithCancel(l.base)
	entry := &activeSub{cancel: cancel}
	l.active[merchantID] = entry
	l.mu.Unlock()

	topic := Topic(merchantID)
	s, err := l.sub.Subscribe(ctx, topic, token)
	if err != nil {
		cancel()
		l.release(merchantID, entry)
		return false, fmt.Errorf("events: subscribe %s: %w", topic, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		_ = s.Close(ctx)
		return false, ErrListenerClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()
	go l.read(subCtx, merchantID, entry, s)

	l.logger.Info("merchant channel armed", zap.String("merchant_id", merchantID))
	return true, nil
}

// Disarm releases the merchant subscription if present.
func (l *Listener) Disarm(merchantID string) {
	l.mu.Lock()
	entry, ok := l.active[merchantID]
	if ok {
		delete(l.active, merchantID)
	}
	l.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Close releases every subscription and closes the Events channel.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.active = make(map[string]*activeSub)
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	close(l.out)
}

func (l *Listener) read(ctx context.Context, merchantID string, entry *activeSub, s Subscription) {
	defer l.wg.Done()
	defer l.release(merchantID, entry)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			l.logger.Debug("close subscription", zap.String("merchant_id", merchantID), zap.Error(err))
		}
	}()

	for {
		msg, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Error("merchant channel failed", zap.String("merchant_id", merchantID), zap.Error(err))
			}
			return
		}

		ev, err := Decode(msg)
		if err != nil {
			l.logger.Warn("undecodable provider event",
				zap.String("merchant_id", merchantID),
				zap.String("topic", msg.Topic),
				zap.Error(err),
			)
			continue
		}

		select {
		case l.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// release clears the guard if it still belongs to entry, so a later Arm can
// resubscribe after a transport failure.
func (l *Listener) release(merchantID string, entry *activeSub) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.active[merchantID]; ok && cur == entry {
		delete(l.active, merchantID)
	}
}
