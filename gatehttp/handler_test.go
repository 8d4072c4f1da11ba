package gatehttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arthiv/interview-gate-go/gatehttp"
	"github.com/arthiv/interview-gate-go/ratelimit"
	"github.com/arthiv/interview-gate-go/registry"
)

// holdStream owns the read loop and returns when the peer goes away, like a
// real conversational collaborator would. served counts how many
// connections ever reached it.
type holdStream struct {
	served atomic.Int32
}

func (s *holdStream) Serve(ctx context.Context, adm *registry.Admission, conn *websocket.Conn) error {
	s.served.Add(1)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		adm.Touch()
	}
}

func newGateway(t *testing.T, reg *registry.Registry, stream gatehttp.InterviewStream, opts ...gatehttp.Option) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h, err := gatehttp.New(ctx, reg, stream, opts...)
	if err != nil {
		t.Fatalf("gatehttp.New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dialSession(t *testing.T, srv *httptest.Server, userAgent, userID, sessionID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/interview/" + userID + "/" + sessionID
	hdr := http.Header{}
	hdr.Set("User-Agent", userAgent)
	return websocket.DefaultDialer.Dial(u, hdr)
}

// waitForSessions polls until the registry settles at want live sessions.
// Releases run in handler goroutines after the client side observes the
// close, so a brief wait is unavoidable.
func waitForSessions(t *testing.T, reg *registry.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := reg.Snapshot().ActiveSessions; got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry did not settle: want %d sessions, have %d", want, reg.Snapshot().ActiveSessions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdmitAndRelease(t *testing.T) {
	reg := registry.New()
	stream := &holdStream{}
	srv := newGateway(t, reg, stream)

	conn, _, err := dialSession(t, srv, "agent-a", "u1", "s1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if want, got := 1, reg.Snapshot().ActiveSessions; want != got {
		t.Fatalf("sessions after admit: want %d got %d", want, got)
	}

	conn.Close()
	waitForSessions(t, reg, 0)

	if want, got := int32(1), stream.served.Load(); want != got {
		t.Fatalf("stream served count: want %d got %d", want, got)
	}
}

func TestRejectAtCeiling(t *testing.T) {
	reg := registry.New(registry.WithCeiling(2))
	stream := &holdStream{}
	srv := newGateway(t, reg, stream)

	c1, _, err := dialSession(t, srv, "agent-a", "u1", "s1")
	if err != nil {
		t.Fatalf("dial s1: %v", err)
	}
	defer c1.Close()
	c2, _, err := dialSession(t, srv, "agent-a", "u1", "s2")
	if err != nil {
		t.Fatalf("dial s2: %v", err)
	}
	defer c2.Close()

	_, resp, err := dialSession(t, srv, "agent-a", "u1", "s3")
	if err == nil {
		t.Fatalf("expected handshake failure at the ceiling")
	}
	if resp == nil {
		t.Fatalf("no response attached to handshake failure")
	}
	defer resp.Body.Close()
	if want, got := http.StatusTooManyRequests, resp.StatusCode; want != got {
		t.Fatalf("rejection status: want %d got %d", want, got)
	}

	var body struct {
		Reason  string `json:"reason"`
		Current int    `json:"current"`
		Limit   int    `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode rejection body: %v", err)
	}
	if body.Reason != "limit_reached" || body.Current != 2 || body.Limit != 2 {
		t.Fatalf("rejection payload: got %+v", body)
	}

	// The rejected connection must never have reached the collaborator.
	if want, got := int32(2), stream.served.Load(); want != got {
		t.Fatalf("stream served count: want %d got %d", want, got)
	}

	// Freeing one slot makes the retry succeed.
	c1.Close()
	waitForSessions(t, reg, 1)
	c3, _, err := dialSession(t, srv, "agent-a", "u1", "s3")
	if err != nil {
		t.Fatalf("retry after release: %v", err)
	}
	c3.Close()
}

func TestCeilingIsPerDevice(t *testing.T) {
	reg := registry.New(registry.WithCeiling(1))
	srv := newGateway(t, reg, &holdStream{})

	c1, _, err := dialSession(t, srv, "agent-a", "u1", "a1")
	if err != nil {
		t.Fatalf("dial device a: %v", err)
	}
	defer c1.Close()

	// Same origin, different identity string: a different device as far as
	// the fingerprint is concerned.
	c2, _, err := dialSession(t, srv, "agent-b", "u2", "b1")
	if err != nil {
		t.Fatalf("dial device b rejected by device a's ceiling: %v", err)
	}
	defer c2.Close()

	snap := reg.Snapshot()
	if snap.ActiveDevices != 2 || snap.ActiveSessions != 2 {
		t.Fatalf("snapshot: got %+v", snap)
	}
}

func TestMalformedSessionID(t *testing.T) {
	reg := registry.New()
	srv := newGateway(t, reg, &holdStream{})

	resp, err := http.Get(srv.URL + "/ws/interview/u1/%20")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("status: want %d got %d", want, got)
	}

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != http.StatusBadRequest {
		t.Fatalf("error body: got %+v", body)
	}
	if got := reg.Snapshot().ActiveSessions; got != 0 {
		t.Fatalf("malformed request touched the registry: %d sessions", got)
	}
}

func TestDuplicateSessionAcrossDevices(t *testing.T) {
	reg := registry.New()
	srv := newGateway(t, reg, &holdStream{})

	c1, _, err := dialSession(t, srv, "agent-a", "u1", "shared")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c1.Close()

	_, resp, err := dialSession(t, srv, "agent-b", "u2", "shared")
	if err == nil {
		t.Fatalf("expected rejection for a session id live under another device")
	}
	defer resp.Body.Close()
	if want, got := http.StatusConflict, resp.StatusCode; want != got {
		t.Fatalf("status: want %d got %d", want, got)
	}
}

func TestFailedUpgradeReleasesCapacity(t *testing.T) {
	reg := registry.New()
	srv := newGateway(t, reg, &holdStream{})

	// A plain GET passes admission but cannot upgrade.
	resp, err := http.Get(srv.URL + "/ws/interview/u1/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("status: want %d got %d", want, got)
	}
	waitForSessions(t, reg, 0)
}

func TestStats(t *testing.T) {
	reg := registry.New()
	srv := newGateway(t, reg, &holdStream{})

	c1, _, err := dialSession(t, srv, "agent-a", "u1", "s1")
	if err != nil {
		t.Fatalf("dial s1: %v", err)
	}
	defer c1.Close()
	c2, _, err := dialSession(t, srv, "agent-a", "u1", "s2")
	if err != nil {
		t.Fatalf("dial s2: %v", err)
	}
	defer c2.Close()

	t.Run("aggregate view", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/stats")
		if err != nil {
			t.Fatalf("get stats: %v", err)
		}
		defer resp.Body.Close()
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("status: want %d got %d", want, got)
		}

		var snap registry.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if snap.ActiveDevices != 1 || snap.ActiveSessions != 2 {
			t.Fatalf("stats: got %+v", snap)
		}
		if snap.Devices != nil {
			t.Fatalf("breakdown leaked without verbose: %+v", snap.Devices)
		}
	})

	t.Run("verbose breakdown", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/stats?verbose=1")
		if err != nil {
			t.Fatalf("get stats: %v", err)
		}
		defer resp.Body.Close()

		var snap registry.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if len(snap.Devices) != 1 || snap.Devices[0].Sessions != 2 {
			t.Fatalf("breakdown: got %+v", snap.Devices)
		}
		if want, got := 8, len(snap.Devices[0].Device); want != got {
			t.Fatalf("breakdown device key length: want %d got %d", want, got)
		}
	})

	t.Run("unacceptable accept header", func(t *testing.T) {
		req, _ := http.NewRequest("GET", srv.URL+"/stats", nil)
		req.Header.Set("Accept", "text/html")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get stats: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusNotAcceptable, resp.StatusCode; want != got {
			t.Fatalf("status: want %d got %d", want, got)
		}
	})
}

func TestStatsRateLimited(t *testing.T) {
	reg := registry.New()
	srv := newGateway(t, reg, &holdStream{},
		gatehttp.WithRateLimiter(ratelimit.NewMemory(1, time.Minute)))

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("first request status: want %d got %d", want, got)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusTooManyRequests, resp.StatusCode; want != got {
		t.Fatalf("second request status: want %d got %d", want, got)
	}

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if want, got := "rate_limit_exceeded", body.Error; want != got {
		t.Fatalf("error field: want %q got %q", want, got)
	}
}
