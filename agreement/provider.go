package agreement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotOpened signals a completion report without an open signing surface.
	ErrNotOpened = errors.New("agreement: signing surface not opened")
	// ErrAlreadySigned signals a second completion for the same opening.
	ErrAlreadySigned = errors.New("agreement: signature already reported")
)

// Surface is the opaque external e-signature capability.
type Surface interface {
	Open(ctx context.Context, signURL string) error
}

// SignedEvent is emitted once the local party completes the external flow.
type SignedEvent struct {
	MerchantID  string
	SignatureID string
	SignedAt    time.Time
}

// Provider adapts a Surface into an open call plus a typed signed channel.
type Provider struct {
	surface Surface
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	current *SignatureRequest
	fired   bool
	signed  chan SignedEvent
}

func NewProvider(surface Surface, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		surface: surface,
		logger:  logger,
		now:     time.Now,
		signed:  make(chan SignedEvent, 1),
	}
}

// Signed delivers one event per successful opening.
func (p *Provider) Signed() <-chan SignedEvent {
	return p.signed
}

// Open shows the signing surface for req.
func (p *Provider) Open(ctx context.Context, req SignatureRequest) error {
	if req.SignURL == "" {
		return fmt.Errorf("agreement: signature request has no sign url")
	}
	if err := p.surface.Open(ctx, req.SignURL); err != nil {
		return fmt.Errorf("agreement: open signing surface: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r := req
	p.current = &r
	p.fired = false
	p.logger.Info("signing surface opened",
		zap.String("merchant_id", req.MerchantID),
		zap.String("signature_id", req.SignatureID),
	)
	return nil
}

// Reset forgets the open signing surface and drops an unconsumed signed
// event. Completions reported afterwards fail with ErrNotOpened.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.fired = false
	select {
	case <-p.signed:
	default:
	}
}

// Complete is invoked by the surface integration when the merchant finished
// signing. Only the first report per opening is forwarded.
func (p *Provider) Complete() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return ErrNotOpened
	}
	if p.fired {
		return ErrAlreadySigned
	}
	p.fired = true

	ev := SignedEvent{
		MerchantID:  p.current.MerchantID,
		SignatureID: p.current.SignatureID,
		SignedAt:    p.now(),
	}
	select {
	case p.signed <- ev:
	default:
		// An unconsumed event is already pending; the consumer reacts the same
		// way to either.
		p.logger.Debug("signed event coalesced", zap.String("signature_id", ev.SignatureID))
	}
	return nil
}

// LogSurface prints the signing URL for an operator instead of embedding a
// provider widget.
type LogSurface struct {
	Logger *zap.Logger
}

func (s LogSurface) Open(_ context.Context, signURL string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("open the signing url to continue", zap.String("sign_url", signURL))
	return nil
}
