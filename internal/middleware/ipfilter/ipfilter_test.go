package ipfilter

import (
	"context"
	"strings"
	"testing"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

func TestCheck(t *testing.T) {
	f, err := New(config.IPFilterConfig{
		Allow:        []string{"192.168.0.0/16", "10.0.0.5"},
		Deny:         []string{"10.0.0.0/8"},
		DefaultAllow: false,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		ip      string
		allowed bool
	}{
		{"allow list", "192.168.1.1", true},
		{"deny list", "10.1.2.3", false},
		{"both lists use default", "10.0.0.5", false},
		{"neither list uses default", "8.8.8.8", false},
		{"unparseable", "garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Check(tt.ip); got != tt.allowed {
				t.Errorf("Check(%s) = %v, want %v", tt.ip, got, tt.allowed)
			}
		})
	}
}

func TestCheckDefaultAllow(t *testing.T) {
	f, err := New(config.IPFilterConfig{
		Allow:        []string{"10.0.0.5"},
		Deny:         []string{"10.0.0.5", "172.16.0.0/12"},
		DefaultAllow: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !f.Check("10.0.0.5") {
		t.Error("address on both lists should get the default (allow)")
	}
	if f.Check("172.16.3.4") {
		t.Error("denied address should be rejected")
	}
	if !f.Check("8.8.8.8") {
		t.Error("unlisted address should get the default (allow)")
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(config.IPFilterConfig{Deny: []string{"999.0.0.1"}}); err == nil {
		t.Error("expected error for invalid deny entry")
	}
}

func TestHandleRejects(t *testing.T) {
	f, _ := New(config.IPFilterConfig{Deny: []string{"1.2.3.4"}, DefaultAllow: true})

	called := false
	next := middleware.NewChain(middleware.HandlerFunc(func(ctx context.Context, req *wire.Request, res *wire.Response) error {
		called = true
		return nil
	}))

	req := wire.NewRequest("GET", "/", "", nil, nil).WithClientIP("1.2.3.4")
	res := wire.NewResponse()
	if err := f.Handle(context.Background(), req, res, next); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("chain should stop for a denied IP")
	}
	if res.Status != 403 {
		t.Errorf("expected 403, got %d", res.Status)
	}
	if !strings.Contains(string(res.Body), "IP not allowed (1.2.3.4)") {
		t.Errorf("unexpected body %q", res.Body)
	}

	req = wire.NewRequest("GET", "/", "", nil, nil).WithClientIP("5.6.7.8")
	res = wire.NewResponse()
	f.Handle(context.Background(), req, res, next)
	if !called || res.Status != 200 {
		t.Errorf("allowed IP should continue, called=%v status=%d", called, res.Status)
	}
	if f.Stats()["rejected"].(int64) != 1 {
		t.Errorf("expected 1 rejection, got %v", f.Stats()["rejected"])
	}
}
