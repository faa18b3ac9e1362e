package merchantapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"merchantflow/events"
	"merchantflow/merchant"
)

func TestHandleProviderEvent_Idempotent(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrDuplicateIdempotencyKey}
	hook := NewWebhook(pool, repo, nil)

	ev := ProviderEvent{
		IdempotencyKey: "delivery-abc",
		MerchantID:     "m-1",
		Code:           events.CodePlatformSigned,
	}

	if err := hook.HandleProviderEvent(context.Background(), ev); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if pool.tx == nil {
		t.Fatalf("expected Begin to provide transaction")
	}

	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}

	if pool.tx.committed {
		t.Errorf("expected commit to be skipped on idempotent replay")
	}

	if repo.executed {
		t.Errorf("expected event recording to be skipped when key duplicates")
	}
}

func TestHandleProviderEvent_Success(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pool := &fakePool{}
	repo := &fakeRepo{}
	hook := NewWebhook(pool, repo, nil).WithClock(func() time.Time { return at })

	ev := ProviderEvent{
		IdempotencyKey: "delivery-123",
		MerchantID:     "m-1",
		Code:           events.CodePlatformSigned,
	}

	if err := hook.HandleProviderEvent(context.Background(), ev); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if pool.tx == nil || !pool.tx.committed {
		t.Fatalf("expected commit to be called")
	}

	if !repo.executed {
		t.Fatalf("expected repository execution to run")
	}

	if repo.params.Transition == nil || *repo.params.Transition != merchant.StatusAgreementSigned {
		t.Errorf("expected transition to signed, got %v", repo.params.Transition)
	}

	if !repo.params.OccurredAt.Equal(at) {
		t.Errorf("expected clock time for missing occurrence, got %v", repo.params.OccurredAt)
	}
}

func TestHandleProviderEvent_Transitions(t *testing.T) {
	tests := []struct {
		code string
		want *merchant.Status
	}{
		{code: events.CodeSigningFailed},
		{code: events.CodeSignerDeclined},
		{code: events.CodePlatformSignerDeclined, want: statusPtr(merchant.StatusDraft)},
		{code: events.CodeMerchantSigned, want: statusPtr(merchant.StatusAgreementSigning)},
		{code: events.CodePlatformSigned, want: statusPtr(merchant.StatusAgreementSigned)},
		{code: "zz999999"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			repo := &fakeRepo{}
			hook := NewWebhook(&fakePool{}, repo, nil)

			err := hook.HandleProviderEvent(context.Background(), ProviderEvent{
				IdempotencyKey: "k-" + tt.code,
				MerchantID:     "m-1",
				Code:           tt.code,
				OccurredAt:     time.Now(),
			})
			if err != nil {
				t.Fatalf("HandleProviderEvent: %v", err)
			}

			got := repo.params.Transition
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("expected no transition, got %v", *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("expected transition %v, got %v", *tt.want, got)
			}
		})
	}
}

func TestHandleProviderEvent_RepositoryFailureRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{execErr: ErrNotFound}
	hook := NewWebhook(pool, repo, nil)

	err := hook.HandleProviderEvent(context.Background(), ProviderEvent{
		IdempotencyKey: "delivery-9",
		MerchantID:     "ghost",
		Code:           events.CodeMerchantSigned,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit after failure")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback")
	}
}

func TestHandleProviderEvent_Validation(t *testing.T) {
	hook := NewWebhook(&fakePool{}, &fakeRepo{}, nil)
	cases := []ProviderEvent{
		{MerchantID: "m-1", Code: events.CodeMerchantSigned},
		{IdempotencyKey: "k", Code: events.CodeMerchantSigned},
		{IdempotencyKey: "k", MerchantID: "m-1"},
	}
	for _, ev := range cases {
		if err := hook.HandleProviderEvent(context.Background(), ev); err == nil {
			t.Errorf("expected validation error for %+v", ev)
		}
	}
}

func statusPtr(s merchant.Status) *merchant.Status { return &s }

type fakeRepo struct {
	insertErr error
	execErr   error
	executed  bool
	params    RecordProviderEventParams
}

func (f *fakeRepo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	return f.insertErr
}

func (f *fakeRepo) RecordProviderEventTx(ctx context.Context, tx pgx.Tx, params RecordProviderEventParams) error {
	f.executed = true
	f.params = params
	return f.execErr
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
