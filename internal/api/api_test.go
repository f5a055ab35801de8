package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"futures-agent/internal/lifecycle"
	"futures-agent/internal/portfolio"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

type fixedStatus lifecycle.Status

func (f fixedStatus) Status() lifecycle.Status { return lifecycle.Status(f) }

var testStatus = fixedStatus{
	Symbol:  "SOLUSDT",
	Policy:  "pullback",
	State:   lifecycle.StateCooldown,
	Account: portfolio.State{Balance: 98.5, PeakBalance: 100, Cooldown: 2},
}

const testSecret = "JBSWY3DPEHPK3PXP"

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
}

// ────────────────────────────────────────────────────────────────
// Backlog
// ────────────────────────────────────────────────────────────────

func TestBacklog_Range(t *testing.T) {
	rb := NewBacklog(100)
	for i := int64(1); i <= 10; i++ {
		rb.Push(i, []byte("msg"))
	}

	got := rb.Range(3, 7)
	if len(got) != 5 {
		t.Fatalf("Range(3,7): expected 5, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i)+3 {
			t.Errorf("entry[%d].Seq = %d, want %d", i, e.Seq, int64(i)+3)
		}
	}
	if n := len(rb.After(8)); n != 2 {
		t.Errorf("After(8): got %d entries, want 2", n)
	}
}

func TestBacklog_EvictsOldest(t *testing.T) {
	rb := NewBacklog(5)
	// 8 pushes evict seqs 1..3
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte("msg"))
	}
	if rb.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", rb.Len())
	}
	got := rb.Range(1, 10)
	if len(got) != 5 || got[0].Seq != 4 || got[4].Seq != 8 {
		t.Fatalf("Range(1,10): %+v", got)
	}
}

// ────────────────────────────────────────────────────────────────
// Hub
// ────────────────────────────────────────────────────────────────

func TestHub_EnvelopeFormat(t *testing.T) {
	h := NewHub(10, nil)
	now := time.Date(2024, 3, 1, 8, 0, 1, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.Broadcast(ChannelEvent, []byte(`{"kind":"OPENED","price":100}`))
	h.Broadcast(ChannelStatus, []byte(`{"state":"OPEN"}`))

	raw := h.Missed(1, 2)
	if len(raw) != 2 {
		t.Fatalf("missed: got %d", len(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw[0], &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, raw[0])
	}
	if env.Channel != ChannelEvent || env.Seq != 1 {
		t.Errorf("envelope: %+v", env)
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.TS); err != nil || !ts.Equal(now) {
		t.Errorf("ts: %q %v", env.TS, err)
	}
	var ev map[string]any
	if err := json.Unmarshal(env.Data, &ev); err != nil || ev["kind"] != "OPENED" {
		t.Errorf("data: %s", env.Data)
	}
	if h.Seq() != 2 {
		t.Errorf("seq: got %d, want 2", h.Seq())
	}
}

// ────────────────────────────────────────────────────────────────
// Router
// ────────────────────────────────────────────────────────────────

func TestRouter_Status(t *testing.T) {
	mux := NewRouter(RouterConfig{Status: testStatus})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
	var st lifecycle.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Symbol != "SOLUSDT" || st.State != lifecycle.StateCooldown || st.Account.Balance != 98.5 {
		t.Errorf("status: %+v", st)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}
}

func TestRouter_TOTP(t *testing.T) {
	mux := NewRouter(RouterConfig{Status: testStatus, TOTPSecret: testSecret})

	valid, err := totp.GenerateCode(testSecret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	// same code with the first digit changed
	wrong := string('0'+(valid[0]-'0'+1)%10) + valid[1:]

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", wrong, "", http.StatusUnauthorized},
		{"header", valid, "", http.StatusOK},
		{"query", "", valid, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/status"
			if tc.query != "" {
				target += "?otp=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set(OTPHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("got %d, want %d", rec.Code, tc.want)
			}
		})
	}

	// healthz stays open
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz guarded: got %d", rec.Code)
	}
}

func TestRouter_EventsReplay(t *testing.T) {
	hub := NewHub(10, nil)
	for i := 0; i < 4; i++ {
		hub.Broadcast(ChannelEvent, []byte(`{}`))
	}
	mux := NewRouter(RouterConfig{Status: testStatus, Hub: hub})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?from=3", nil))
	var envs []envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envs); err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 || envs[0].Seq != 3 || envs[1].Seq != 4 {
		t.Errorf("replay: %+v", envs)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?from=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad from: got %d", rec.Code)
	}
}

func TestRouter_WebsocketBackfillAndStream(t *testing.T) {
	hub := NewHub(10, nil)
	hub.Broadcast(ChannelEvent, []byte(`{"n":1}`))
	hub.Broadcast(ChannelEvent, []byte(`{"n":2}`))

	srv := httptest.NewServer(NewRouter(RouterConfig{Status: testStatus, Hub: hub}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?last_seq=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hub.Broadcast(ChannelStatus, []byte(`{"n":3}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var seqs []int64
	for len(seqs) < 2 {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (got %v)", err, seqs)
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		seqs = append(seqs, env.Seq)
	}
	// seq 1 was already seen; 2 is backfilled, 3 is live
	if seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("seqs: got %v, want [2 3]", seqs)
	}
}
