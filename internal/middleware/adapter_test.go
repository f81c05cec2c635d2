package middleware

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/wudi/webserver/internal/wire"
)

func TestFromHTTP(t *testing.T) {
	h := FromHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen", r.URL.RawQuery+"|"+r.Header.Get("X-In")+"|"+string(body))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("done"))
	}))

	req := wire.NewRequest("POST", "/hook?a=1", "", wire.Header{"X-In": {"v"}}, []byte("data"))
	res := wire.NewResponse()
	if err := h.Serve(context.Background(), req, res); err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusAccepted || string(res.Body) != "done" {
		t.Errorf("unexpected response %d %q", res.Status, res.Body)
	}
	if got := res.Header.Get("X-Seen"); got != "a=1|v|data" {
		t.Errorf("unexpected X-Seen %q", got)
	}
}

func TestFromHTTPDefaultStatus(t *testing.T) {
	h := FromHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	res := wire.NewResponse()
	res.Status = 0
	if err := h.Serve(context.Background(), wire.NewRequest("GET", "/", "", nil, nil), res); err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("expected 200, got %d", res.Status)
	}
}
