package onboarding

import (
	"context"
	"sync"
	"time"

	"merchantflow/agreement"
	"merchantflow/merchant"
)

// Gateway is the server of record. Every write returns the full updated
// merchant, which replaces local state on success.
type Gateway interface {
	FetchMerchant(ctx context.Context, id string) (merchant.Merchant, error)
	PatchMerchant(ctx context.Context, id string, patch merchant.Patch) (merchant.Merchant, error)
	ChangeStatus(ctx context.Context, id string, status merchant.Status, message string) (merchant.Merchant, error)
	FetchAgreement(ctx context.Context, id string) (agreement.Document, error)
	RequestSignature(ctx context.Context, id string, signer agreement.SignerType) (agreement.SignatureRequest, error)
	DownloadAgreement(ctx context.Context, url, extension string) ([]byte, error)
}

// Scheduler runs f after d without blocking the caller.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ManualScheduler queues callbacks until Fire is called. Tests use it to
// control the settle delay.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []*manualTask
}

type manualTask struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &manualTask{delay: d, f: f}
	s.pending = append(s.pending, task)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if task.stopped {
			return false
		}
		task.stopped = true
		return true
	}
}

// Pending returns the delays of callbacks not yet fired or stopped.
func (s *ManualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.pending))
	for _, t := range s.pending {
		if !t.stopped {
			out = append(out, t.delay)
		}
	}
	return out
}

// Fire runs every pending callback synchronously and returns how many ran.
func (s *ManualScheduler) Fire() int {
	s.mu.Lock()
	run := make([]func(), 0, len(s.pending))
	for _, t := range s.pending {
		if !t.stopped {
			t.stopped = true
			run = append(run, t.f)
		}
	}
	s.pending = nil
	s.mu.Unlock()

	for _, f := range run {
		f()
	}
	return len(run)
}
