package onboarding

import (
	"context"
	"errors"
	"sync"
	"time"

	"merchantflow/agreement"
	"merchantflow/events"
	"merchantflow/merchant"
)

var errFakeNotFound = errors.New("fake: merchant not found")

type fakeGateway struct {
	mu        sync.Mutex
	merchants map[string]merchant.Merchant
	docs      map[string]agreement.Document
	content   map[string][]byte
	writeErr  error
	fetchErr  error

	agreementFetches int
	signatureCalls   int
	statusCalls      int
	patchCalls       int
}

func newFakeGateway(recs ...merchant.Merchant) *fakeGateway {
	g := &fakeGateway{
		merchants: make(map[string]merchant.Merchant),
		docs:      make(map[string]agreement.Document),
		content:   make(map[string][]byte),
	}
	for _, r := range recs {
		g.merchants[r.ID] = r
	}
	return g
}

func (g *fakeGateway) setWriteErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeErr = err
}

func (g *fakeGateway) setDocument(id string, doc agreement.Document, body []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[id] = doc
	g.content[doc.URL] = body
}

func (g *fakeGateway) record(id string) merchant.Merchant {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.merchants[id]
}

func (g *fakeGateway) counts() (agreementFetches, signatureCalls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.agreementFetches, g.signatureCalls
}

func (g *fakeGateway) FetchMerchant(_ context.Context, id string) (merchant.Merchant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return merchant.Merchant{}, g.fetchErr
	}
	rec, ok := g.merchants[id]
	if !ok {
		return merchant.Merchant{}, errFakeNotFound
	}
	return rec, nil
}

func (g *fakeGateway) PatchMerchant(_ context.Context, id string, p merchant.Patch) (merchant.Merchant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patchCalls++
	if g.writeErr != nil {
		return merchant.Merchant{}, g.writeErr
	}
	rec, ok := g.merchants[id]
	if !ok {
		return merchant.Merchant{}, errFakeNotFound
	}
	if p.AgreementType != nil {
		rec.AgreementType = *p.AgreementType
	}
	if p.HasPSPSignature != nil {
		rec.HasPSPSignature = *p.HasPSPSignature
	}
	if p.HasMerchantSignature != nil {
		rec.HasMerchantSignature = *p.HasMerchantSignature
	}
	if p.AgreementSentViaMail != nil {
		rec.AgreementSentViaMail = *p.AgreementSentViaMail
	}
	if p.MailTrackingLink != nil {
		rec.MailTrackingLink = *p.MailTrackingLink
	}
	if p.HasProjects != nil {
		rec.HasProjects = *p.HasProjects
	}
	rec.UpdatedAt = time.Now()
	g.merchants[id] = rec
	return rec, nil
}

func (g *fakeGateway) ChangeStatus(_ context.Context, id string, status merchant.Status, _ string) (merchant.Merchant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.writeErr != nil {
		return merchant.Merchant{}, g.writeErr
	}
	rec, ok := g.merchants[id]
	if !ok {
		return merchant.Merchant{}, errFakeNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	g.merchants[id] = rec
	return rec, nil
}

func (g *fakeGateway) FetchAgreement(_ context.Context, id string) (agreement.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agreementFetches++
	if g.fetchErr != nil {
		return agreement.Document{}, g.fetchErr
	}
	if doc, ok := g.docs[id]; ok {
		return doc, nil
	}
	return agreement.Sentinel(), nil
}

func (g *fakeGateway) RequestSignature(_ context.Context, id string, signer agreement.SignerType) (agreement.SignatureRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signatureCalls++
	return agreement.SignatureRequest{
		MerchantID:  id,
		SignatureID: "sig-" + id,
		SignURL:     "https://sign.example.com/s/" + id,
		SignerType:  signer,
	}, nil
}

func (g *fakeGateway) DownloadAgreement(_ context.Context, url, _ string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	body, ok := g.content[url]
	if !ok {
		return nil, errors.New("fake: no content")
	}
	return body, nil
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls int
	subs  []*fakeSubscription
}

func (f *fakeSubscriber) Subscribe(_ context.Context, topic, _ string) (events.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s := &fakeSubscription{topic: topic, msgs: make(chan events.Message, 16)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSubscriber) last() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeSubscription struct {
	topic string
	msgs  chan events.Message
}

func (s *fakeSubscription) push(code string) {
	s.msgs <- events.Message{Topic: s.topic, Data: []byte(`{"code":"` + code + `"}`)}
}

func (s *fakeSubscription) Next(ctx context.Context) (events.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return events.Message{}, ctx.Err()
	}
}

func (s *fakeSubscription) Close(context.Context) error { return nil }

type fakeSurface struct {
	mu     sync.Mutex
	opened []string
}

func (f *fakeSurface) Open(_ context.Context, signURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, signURL)
	return nil
}

func event(merchantID string, kind events.Kind) events.Event {
	codes := map[events.Kind]string{
		events.KindSigningFailed:         events.CodeSigningFailed,
		events.KindCounterpartyDeclined:  events.CodeSignerDeclined,
		events.KindPlatformRejected:      events.CodePlatformSignerDeclined,
		events.KindMerchantSigned:        events.CodeMerchantSigned,
		events.KindPlatformCountersigned: events.CodePlatformSigned,
	}
	return events.Event{
		ID:         "evt-" + codes[kind],
		Kind:       kind,
		Code:       codes[kind],
		MerchantID: merchantID,
		Timestamp:  time.Now(),
	}
}

func signedDocument() agreement.Document {
	return agreement.Document{
		Metadata: agreement.Metadata{Name: "License Agreement", Extension: "pdf", Size: 48213},
		URL:      "https://files.example.com/agreements/m-1.pdf",
	}
}

type harness struct {
	gw      *fakeGateway
	sub     *fakeSubscriber
	surface *fakeSurface
	sched   *ManualScheduler
	session *Session
}

func newHarness(recs ...merchant.Merchant) *harness {
	h := &harness{
		gw:      newFakeGateway(recs...),
		sub:     &fakeSubscriber{},
		surface: &fakeSurface{},
		sched:   &ManualScheduler{},
	}
	h.session = NewSession(Config{
		Gateway:    h.gw,
		Subscriber: h.sub,
		Surface:    h.surface,
		Options:    Options{Scheduler: h.sched},
	})
	return h
}
