package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"walletledger/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func TestHTTPClientExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transactions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_live" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body gatewayRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Reference != "WLT-BILL-0001ABCDEFGH" || !body.Amount.Equal(decimal.NewFromInt(300)) {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"status":"delivered","reference":"VT-991","message":"ok","amount":"300"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient("vtpass", config.ProviderConfig{BaseURL: srv.URL + "/", SecretKey: "sk_live"}, zaptest.NewLogger(t))
	resp, err := c.Execute(context.Background(), Request{
		Reference: "WLT-BILL-0001ABCDEFGH",
		Category:  "airtime",
		Amount:    decimal.NewFromInt(300),
		Currency:  "NGN",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != StatusSuccess || resp.ExternalReference != "VT-991" || !resp.IsFinal() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.Amount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected echoed amount, got %s", resp.Amount)
	}
}

func TestHTTPClientStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		body   string
		status string
	}{
		{"rejected", http.StatusOK, `{"status":"declined"}`, StatusFailed},
		{"accepted async", http.StatusAccepted, `{"status":"processing","reference":"X1"}`, StatusPending},
		{"bad request", http.StatusBadRequest, `{"message":"invalid meter"}`, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewHTTPClient("paystack", config.ProviderConfig{BaseURL: srv.URL}, nil)
			resp, err := c.QueryStatus(context.Background(), "WLT|BKTRF|0001ABCDEFGH")
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if resp.Status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, resp.Status)
			}
		})
	}
}

func TestHTTPClientServerErrorIsNotAnAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient("paystack", config.ProviderConfig{BaseURL: srv.URL}, nil)
	if _, err := c.Execute(context.Background(), Request{Reference: "r"}); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient("vtpass", config.ProviderConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := c.Execute(context.Background(), Request{Reference: "r"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&StubClient{ProviderName: "vtpass"}, &StubClient{ProviderName: "paystack"})
	if _, ok := r.Get("vtpass"); !ok {
		t.Fatalf("expected vtpass")
	}
	if _, ok := r.Get("reloadly"); ok {
		t.Fatalf("unexpected provider")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "paystack" || names[1] != "vtpass" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestStubClientDefaults(t *testing.T) {
	s := &StubClient{ProviderName: "vtpass"}
	resp, err := s.Execute(context.Background(), Request{Reference: "abc", Amount: decimal.NewFromInt(5)})
	if err != nil || resp.Status != StatusSuccess || resp.ExternalReference != "stub_abc" {
		t.Fatalf("unexpected %+v, %v", resp, err)
	}
	q, _ := s.QueryStatus(context.Background(), "abc")
	if q.IsFinal() {
		t.Fatalf("default query should be pending")
	}
}
