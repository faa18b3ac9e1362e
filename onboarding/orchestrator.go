package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"merchantflow/agreement"
	"merchantflow/events"
	"merchantflow/merchant"
)

// DefaultSettleDelay is the wait before re-reading the document after the
// platform countersigned, giving provider storage time to catch up.
const DefaultSettleDelay = 5 * time.Second

var (
	ErrNoSignatureRequest = errors.New("onboarding: no signature request fetched")
	ErrNotExternalPath    = errors.New("onboarding: external signing provider not in use")
	ErrSessionClosed      = errors.New("onboarding: session closed")
)

// Options tune an Orchestrator. Zero values pick defaults.
type Options struct {
	SettleDelay time.Duration
	Scheduler   Scheduler
	Logger      *zap.Logger
}

// Orchestrator turns user commands and provider events into state machine
// transitions. Every server write is awaited first and only a successful
// response is applied, as a full overwrite.
type Orchestrator struct {
	gw          Gateway
	machine     *merchant.Machine
	docs        *agreement.Store
	provider    *agreement.Provider
	listener    *events.Listener
	scheduler   Scheduler
	settleDelay time.Duration
	logger      *zap.Logger

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	merchantID string
	rejected   bool
	signature  *agreement.SignatureRequest
	settling   bool
	settleStop func() bool
	closed     bool
}

func NewOrchestrator(gw Gateway, machine *merchant.Machine, docs *agreement.Store, provider *agreement.Provider, listener *events.Listener, opts Options) *Orchestrator {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timerScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		gw:          gw,
		machine:     machine,
		docs:        docs,
		provider:    provider,
		listener:    listener,
		scheduler:   opts.Scheduler,
		settleDelay: opts.SettleDelay,
		logger:      opts.Logger,
		lifetime:    lifetime,
		stop:        stop,
	}
}

// Load fetches merchant id and makes it the session merchant. Loading a
// different merchant drops everything tied to the previous one.
func (o *Orchestrator) Load(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("onboarding: merchant id required")
	}
	rec, err := o.gw.FetchMerchant(ctx, id)
	if err != nil {
		return fmt.Errorf("onboarding: fetch merchant: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrSessionClosed
	}
	if previous := o.merchantID; previous != "" && previous != rec.ID {
		o.listener.Disarm(previous)
		o.provider.Reset()
		o.rejected = false
		o.signature = nil
		o.cancelSettleLocked()
		o.docs.Reset()
	}
	o.merchantID = rec.ID
	o.machine.Replace(rec)
	o.logger.Info("merchant loaded",
		zap.String("merchant_id", rec.ID),
		zap.String("status", rec.Status.String()),
	)
	return nil
}

// Refresh re-reads the canonical record for the session merchant.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	id, err := o.currentID()
	if err != nil {
		return err
	}
	rec, err := o.gw.FetchMerchant(ctx, id)
	if err != nil {
		return fmt.Errorf("onboarding: refresh merchant: %w", err)
	}
	o.apply(rec)
	return nil
}

// SigningPath picks between the external provider and the established artifact.
func (o *Orchestrator) SigningPath() agreement.Path {
	o.mu.Lock()
	rejected := o.rejected
	o.mu.Unlock()
	return agreement.SelectPath(o.machine.Status(), rejected)
}

func (o *Orchestrator) IsUsingExternalProvider() bool {
	return o.SigningPath() == agreement.PathExternalProvider
}

func (o *Orchestrator) Rejected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejected
}

// Signature returns the fetched signature request, if any.
func (o *Orchestrator) Signature() (agreement.SignatureRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.signature == nil {
		return agreement.SignatureRequest{}, false
	}
	return *o.signature, true
}

func (o *Orchestrator) AgreementDocument() agreement.Document {
	return o.docs.Document()
}

// Initiate prepares the signing workflow. Provider calls only happen for a
// loaded merchant whose onboarding is ready. A merchant found mid-signing
// gets its channel armed so the countersignature is not missed.
func (o *Orchestrator) Initiate(ctx context.Context, isOnboardingReady bool) error {
	id := o.machine.ID()
	if id != "" && isOnboardingReady {
		if o.IsUsingExternalProvider() {
			sig, err := o.gw.RequestSignature(ctx, id, agreement.SignerMerchant)
			if err != nil {
				return fmt.Errorf("onboarding: request signature: %w", err)
			}
			sig.MerchantID = id
			o.mu.Lock()
			if o.merchantID == id {
				o.signature = &sig
			}
			o.mu.Unlock()
		}

		if o.machine.Status() != merchant.StatusDraft {
			doc, err := o.gw.FetchAgreement(ctx, id)
			if err != nil {
				return fmt.Errorf("onboarding: fetch agreement: %w", err)
			}
			o.setDocument(id, doc)
		}
	}

	if id != "" && o.machine.Status() == merchant.StatusAgreementSigning {
		if err := o.arm(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// OpenSigning shows the external signing surface.
func (o *Orchestrator) OpenSigning(ctx context.Context) error {
	if !o.IsUsingExternalProvider() {
		return ErrNotExternalPath
	}
	sig, ok := o.Signature()
	if !ok {
		return ErrNoSignatureRequest
	}
	return o.provider.Open(ctx, sig)
}

// HandleSigned reacts to the local party finishing the external flow.
// Completions for a merchant other than the session merchant are dropped.
func (o *Orchestrator) HandleSigned(ctx context.Context, ev agreement.SignedEvent) {
	logger := o.logger.With(
		zap.String("merchant_id", ev.MerchantID),
		zap.String("signature_id", ev.SignatureID),
	)

	o.mu.Lock()
	if o.closed || ev.MerchantID == "" || ev.MerchantID != o.merchantID {
		current := o.merchantID
		o.mu.Unlock()
		logger.Debug("dropping signed event for another merchant", zap.String("session_merchant_id", current))
		return
	}
	o.machine.UpdateStatus(merchant.StatusAgreementSigning)
	o.mu.Unlock()

	logger.Info("merchant finished external signing")
	if err := o.arm(ctx, ev.MerchantID); err != nil {
		logger.Error("arm merchant channel", zap.Error(err))
	}
}

// RequestAgreementGeneration moves the merchant to signing, optionally
// records the platform pre-signature, then reloads the document.
func (o *Orchestrator) RequestAgreementGeneration(ctx context.Context, preSigned bool) error {
	if _, err := o.ChangeStatus(ctx, merchant.StatusAgreementSigning, ""); err != nil {
		return err
	}
	if preSigned {
		if err := o.RecordPSPSignature(ctx, true); err != nil {
			return err
		}
	}
	return o.FetchAgreement(ctx)
}

// Revoke aborts an in-flight signing. The rejection flag is left alone.
func (o *Orchestrator) Revoke(ctx context.Context) error {
	id, err := o.currentID()
	if err != nil {
		return err
	}
	if _, err := o.ChangeStatus(ctx, merchant.StatusDraft, ""); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.merchantID == id {
		o.signature = nil
		o.cancelSettleLocked()
		o.docs.Reset()
	}
	return nil
}

// ChangeStatus writes status to the server and applies the returned record.
func (o *Orchestrator) ChangeStatus(ctx context.Context, status merchant.Status, message string) (merchant.Merchant, error) {
	id, err := o.currentID()
	if err != nil {
		return merchant.Merchant{}, err
	}
	rec, err := o.gw.ChangeStatus(ctx, id, status, message)
	if err != nil {
		return merchant.Merchant{}, fmt.Errorf("onboarding: change status to %s: %w", status, err)
	}
	o.apply(rec)
	return rec, nil
}

func (o *Orchestrator) SetAgreementType(ctx context.Context, t merchant.AgreementType) error {
	return o.patch(ctx, merchant.Patch{AgreementType: &t})
}

func (o *Orchestrator) RecordPSPSignature(ctx context.Context, value bool) error {
	return o.patch(ctx, merchant.Patch{HasPSPSignature: &value})
}

func (o *Orchestrator) RecordMerchantSignature(ctx context.Context, value bool) error {
	return o.patch(ctx, merchant.Patch{HasMerchantSignature: &value})
}

// RecordMailDelivery stores the paper path delivery state in one patch.
func (o *Orchestrator) RecordMailDelivery(ctx context.Context, sent bool, trackingLink string) error {
	return o.patch(ctx, merchant.Patch{
		AgreementSentViaMail: &sent,
		MailTrackingLink:     &trackingLink,
	})
}

// CompleteStep marks an onboarding step locally.
func (o *Orchestrator) CompleteStep(step merchant.Step) bool {
	return o.machine.CompleteStep(step)
}

// FetchAgreement reloads the document. Before signing starts there is
// nothing to fetch and the sentinel is used.
func (o *Orchestrator) FetchAgreement(ctx context.Context) error {
	id, err := o.currentID()
	if err != nil {
		return err
	}
	if o.machine.Status() < merchant.StatusAgreementSigning {
		o.docs.Reset()
		return nil
	}
	doc, err := o.gw.FetchAgreement(ctx, id)
	if err != nil {
		return fmt.Errorf("onboarding: fetch agreement: %w", err)
	}
	o.setDocument(id, doc)
	return nil
}

// DownloadAgreement returns the binary of the current document.
func (o *Orchestrator) DownloadAgreement(ctx context.Context) (agreement.Document, []byte, error) {
	return o.docs.Download(ctx, o.gw)
}

// Apply handles one decoded provider event. Events for another merchant
// are dropped; every branch is safe to repeat. The merchant check and the
// state change happen under one lock so a concurrent Load cannot slip in
// between them.
func (o *Orchestrator) Apply(ctx context.Context, ev events.Event) {
	logger := o.logger.With(
		zap.String("merchant_id", ev.MerchantID),
		zap.String("code", ev.Code),
		zap.String("event_id", ev.ID),
	)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if ev.MerchantID != o.merchantID {
		current := o.merchantID
		o.mu.Unlock()
		logger.Debug("dropping event for another merchant", zap.String("session_merchant_id", current))
		return
	}

	switch ev.Kind {
	case events.KindPlatformRejected:
		o.rejected = true
		o.signature = nil
		o.machine.UpdateStatus(merchant.StatusDraft)
	case events.KindMerchantSigned:
		o.machine.UpdateStatus(merchant.StatusAgreementSigning)
	case events.KindPlatformCountersigned:
		o.scheduleSettledFetchLocked(ev.MerchantID)
		o.machine.UpdateStatus(merchant.StatusAgreementSigned)
		o.machine.CompleteStep(merchant.StepLicense)
	}
	o.mu.Unlock()

	switch ev.Kind {
	case events.KindSigningFailed:
		logger.Warn("provider countersigning failed")
	case events.KindCounterpartyDeclined:
		logger.Info("counterparty declined signing")
	case events.KindPlatformRejected:
		logger.Info("platform signer declined, signing restarts")
	case events.KindMerchantSigned:
		if err := o.arm(ctx, ev.MerchantID); err != nil {
			logger.Error("re-arm merchant channel", zap.Error(err))
		}
	case events.KindPlatformCountersigned:
		logger.Info("agreement countersigned")
	default:
		logger.Debug("ignoring unknown provider code")
	}
}

// Close cancels pending settle fetches and waits for running ones.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.cancelSettleLocked()
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) patch(ctx context.Context, p merchant.Patch) error {
	id, err := o.currentID()
	if err != nil {
		return err
	}
	rec, err := o.gw.PatchMerchant(ctx, id, p)
	if err != nil {
		return fmt.Errorf("onboarding: patch merchant: %w", err)
	}
	o.apply(rec)
	return nil
}

func (o *Orchestrator) currentID() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrSessionClosed
	}
	if o.merchantID == "" {
		return "", merchant.ErrNoMerchant
	}
	return o.merchantID, nil
}

// apply overwrites local state with rec unless it belongs to a merchant the
// session no longer tracks.
func (o *Orchestrator) apply(rec merchant.Merchant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec.ID != o.merchantID {
		o.logger.Debug("discarding stale merchant record", zap.String("merchant_id", rec.ID))
		return
	}
	o.machine.Replace(rec)
}

func (o *Orchestrator) setDocument(id string, doc agreement.Document) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == o.merchantID {
		o.docs.Set(doc)
	}
}

// arm subscribes to the channel of id, unless the session moved on to
// another merchant in the meantime.
func (o *Orchestrator) arm(ctx context.Context, id string) error {
	rec := o.machine.Merchant()
	if rec.ID == "" {
		return merchant.ErrNoMerchant
	}
	if rec.ID != id {
		o.logger.Debug("skip arming channel of previous merchant", zap.String("merchant_id", id))
		return nil
	}
	if _, err := o.listener.Arm(ctx, rec.ID, rec.ChannelToken); err != nil {
		return fmt.Errorf("onboarding: arm listener: %w", err)
	}
	return nil
}

// scheduleSettledFetchLocked coalesces repeated countersignature events
// into a single pending fetch. Callers hold o.mu.
func (o *Orchestrator) scheduleSettledFetchLocked(id string) {
	if o.closed || o.settling {
		return
	}
	o.settling = true
	o.wg.Add(1)
	o.settleStop = o.scheduler.AfterFunc(o.settleDelay, func() {
		defer o.wg.Done()
		o.settledFetch(id)
	})
}

func (o *Orchestrator) settledFetch(id string) {
	o.mu.Lock()
	o.settling = false
	o.settleStop = nil
	skip := o.closed || o.merchantID != id
	o.mu.Unlock()
	if skip {
		return
	}

	doc, err := o.gw.FetchAgreement(o.lifetime, id)
	if err != nil {
		o.logger.Warn("settled agreement fetch failed", zap.String("merchant_id", id), zap.Error(err))
		return
	}
	o.setDocument(id, doc)
}

func (o *Orchestrator) cancelSettleLocked() {
	if o.settleStop != nil && o.settleStop() {
		o.wg.Done()
	}
	o.settleStop = nil
	o.settling = false
}
