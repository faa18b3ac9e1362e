package onboarding

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"merchantflow/agreement"
	"merchantflow/events"
	"merchantflow/merchant"
)

// Config holds the collaborators of a Session.
type Config struct {
	Gateway     Gateway
	Subscriber  events.Subscriber
	Surface     agreement.Surface
	EventBuffer int
	Options     Options
}

// Session owns every piece of state for one merchant session. Nothing
// outlives Close.
type Session struct {
	ID           string
	Machine      *merchant.Machine
	Documents    *agreement.Store
	Provider     *agreement.Provider
	Listener     *events.Listener
	Orchestrator *Orchestrator

	logger    *zap.Logger
	closeOnce sync.Once
}

func NewSession(cfg Config) *Session {
	logger := cfg.Options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("session_id", id))
	cfg.Options.Logger = logger

	machine := merchant.NewMachine()
	docs := agreement.NewStore()
	provider := agreement.NewProvider(cfg.Surface, logger)
	listener := events.NewListener(cfg.Subscriber, cfg.EventBuffer, logger)

	return &Session{
		ID:           id,
		Machine:      machine,
		Documents:    docs,
		Provider:     provider,
		Listener:     listener,
		Orchestrator: NewOrchestrator(cfg.Gateway, machine, docs, provider, listener, cfg.Options),
		logger:       logger,
	}
}

// Run consumes provider events and signing completions until ctx ends or
// the listener is closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-s.Listener.Events():
				if !ok {
					return nil
				}
				s.Orchestrator.Apply(gctx, ev)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sev := <-s.Provider.Signed():
				s.Orchestrator.HandleSigned(gctx, sev)
			}
		}
	})

	s.logger.Debug("session loop started")
	return g.Wait()
}

// Close releases the subscription and cancels pending work.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Orchestrator.Close()
		s.Listener.Close()
		s.logger.Debug("session closed")
	})
}
