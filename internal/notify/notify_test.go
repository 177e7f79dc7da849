package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-desk/internal/config"
)

type fakeChannel struct {
	name string
	err  error
	got  []Notification
}

func (f *fakeChannel) Name() string    { return f.name }
func (f *fakeChannel) IsEnabled() bool { return true }
func (f *fakeChannel) Send(_ context.Context, n Notification) error {
	f.got = append(f.got, n)
	return f.err
}

func TestLevelFilter(t *testing.T) {
	tests := []struct {
		level Level
		typ   Type
		want  bool
	}{
		{LevelAll, TypeExpiry, true},
		{LevelBreachesOnly, TypeBreach, true},
		{LevelBreachesOnly, TypeError, true},
		{LevelBreachesOnly, TypeRehedge, false},
		{LevelErrorsOnly, TypeBreach, false},
		{LevelErrorsOnly, TypeError, true},
	}
	for _, tt := range tests {
		ch := &fakeChannel{name: "fake"}
		mn := New(config.NotifyConfig{Level: string(tt.level)}, zerolog.Nop())
		mn.AddChannel(ch)
		if err := mn.Send(context.Background(), Notification{Type: tt.typ}); err != nil {
			t.Fatal(err)
		}
		if got := len(ch.got) == 1; got != tt.want {
			t.Errorf("%s/%s delivered = %v, want %v", tt.level, tt.typ, got, tt.want)
		}
	}
}

func TestSendContinuesPastFailingChannel(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("down")}
	good := &fakeChannel{name: "good"}
	mn := New(config.NotifyConfig{}, zerolog.Nop())
	mn.AddChannel(bad)
	mn.AddChannel(good)

	err := mn.Send(context.Background(), Notification{Type: TypeBreach, Title: "Risk limit breached"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(good.got) != 1 || good.got[0].Timestamp.IsZero() {
		t.Errorf("good channel got %+v", good.got)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL, Timeout: time.Second})
	n := Notification{Type: TypeBreach, Severity: "high", Title: "Risk limit breached", Message: "net delta 714 > 500"}
	if err := w.Send(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeBreach || got.Severity != "high" || got.Message != n.Message {
		t.Errorf("webhook received %+v", got)
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fail.Close()
	w = NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: fail.URL})
	if err := w.Send(context.Background(), n); err == nil {
		t.Error("expected error on 500")
	}

	if NewWebhookNotifier(config.WebhookConfig{Enabled: true}).IsEnabled() {
		t.Error("webhook without url should be disabled")
	}
}
