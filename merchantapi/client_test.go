package merchantapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"merchantflow/agreement"
	"merchantflow/merchant"
	"merchantflow/onboarding"
)

var (
	_ onboarding.Gateway = (*Client)(nil)
	_ onboarding.Gateway = (*PGStore)(nil)
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/api/v1", "secret-token", time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientFetchMerchant(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/merchant/m-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":                 "m-1",
			"status":             3,
			"agreement_type":     2,
			"has_psp_signature":  true,
			"has_projects":       true,
			"channel_token":      "tok",
			"mail_tracking_link": "",
		})
	})

	rec, err := c.FetchMerchant(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("FetchMerchant: %v", err)
	}
	if rec.ID != "m-1" || rec.Status != merchant.StatusAgreementSigning {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.AgreementType != merchant.AgreementTypeElectronic || !rec.HasPSPSignature || !rec.HasProjects {
		t.Errorf("flags not decoded: %+v", rec)
	}
	if rec.ChannelToken != "tok" {
		t.Errorf("expected channel token, got %q", rec.ChannelToken)
	}
}

func TestClientPatchSendsOnlySetFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body) != 2 {
			t.Errorf("expected two fields, got %v", body)
		}
		if body["agreement_sent_via_mail"] != true || body["mail_tracking_link"] != "https://track.example.com/9" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":                      "m-1",
			"agreement_sent_via_mail": true,
			"mail_tracking_link":      "https://track.example.com/9",
		})
	})

	sent, link := true, "https://track.example.com/9"
	rec, err := c.PatchMerchant(context.Background(), "m-1", merchant.Patch{AgreementSentViaMail: &sent, MailTrackingLink: &link})
	if err != nil {
		t.Fatalf("PatchMerchant: %v", err)
	}
	if !rec.AgreementSentViaMail || rec.MailTrackingLink != link {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := c.PatchMerchant(context.Background(), "m-1", merchant.Patch{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty patch, got %v", err)
	}
}

func TestClientChangeStatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		want    error
		notWant error
	}{
		{name: "rejected", code: http.StatusUnprocessableEntity, body: `{"message":"onboarding incomplete"}`, want: ErrValidation, notWant: ErrNotFound},
		{name: "missing", code: http.StatusNotFound, body: `{"error":"no merchant"}`, want: ErrNotFound, notWant: ErrValidation},
		{name: "server", code: http.StatusBadGateway, body: `upstream down`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPut || r.URL.Path != "/api/v1/merchant/m-1/status" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.ChangeStatus(context.Background(), "m-1", merchant.StatusAgreementSigning, "")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.code || apiErr.Message == "" {
				t.Errorf("unexpected api error %+v", apiErr)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if tt.notWant != nil && errors.Is(err, tt.notWant) {
				t.Errorf("did not expect %v", tt.notWant)
			}
			if tt.want == nil && (errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)) {
				t.Errorf("5xx must stay a transport-class error, got %v", err)
			}
		})
	}
}

func TestClientChangeStatusBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body statusRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != 0 || body.Message != "contract withdrawn" {
			t.Errorf("unexpected body %+v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "m-1", "status": 0})
	})

	if _, err := c.ChangeStatus(context.Background(), "m-1", merchant.StatusDraft, "contract withdrawn"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if _, err := c.ChangeStatus(context.Background(), "m-1", merchant.Status(9), ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown status, got %v", err)
	}
}

func TestClientRequestSignature(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/merchant/m-1/agreement/signature" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v, ok := body["signer_type"]; !ok || v != 0 {
			t.Errorf("expected signer_type 0, got %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"signature_id": "sig-1",
			"sign_url":     "https://sign.example.com/s/sig-1",
		})
	})

	sig, err := c.RequestSignature(context.Background(), "m-1", agreement.SignerMerchant)
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}
	if sig.SignatureID != "sig-1" || sig.SignURL != "https://sign.example.com/s/sig-1" {
		t.Errorf("unexpected signature %+v", sig)
	}
}

func TestClientFetchAgreement(t *testing.T) {
	var missing atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if missing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"metadata": map[string]any{"name": "License Agreement", "extension": "pdf", "size": 1024},
			"url":      "/files/m-1.pdf",
		})
	})

	doc, err := c.FetchAgreement(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("FetchAgreement: %v", err)
	}
	if doc.IsSentinel() || doc.Metadata.Size != 1024 || doc.URL != "/files/m-1.pdf" {
		t.Errorf("unexpected document %+v", doc)
	}

	missing.Store(true)
	doc, err = c.FetchAgreement(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("FetchAgreement on 404: %v", err)
	}
	if !doc.IsSentinel() {
		t.Errorf("expected sentinel for missing agreement, got %+v", doc)
	}
}

func TestClientDownloadAgreement(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/files/m-1.pdf" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/pdf" {
			t.Errorf("expected pdf accept header, got %q", got)
		}
		_, _ = w.Write([]byte("%PDF-1.7"))
	})

	body, err := c.DownloadAgreement(context.Background(), "/files/m-1.pdf", "pdf")
	if err != nil {
		t.Fatalf("DownloadAgreement: %v", err)
	}
	if string(body) != "%PDF-1.7" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient(base, "", time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.FetchMerchant(context.Background(), "m-1")
	if err == nil {
		t.Fatal("expected transport error")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("transport failure must not look like an api response: %v", err)
	}
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	if _, err := NewClient("not a url", "", 0, nil); err == nil {
		t.Fatal("expected error for relative base url")
	}
}
