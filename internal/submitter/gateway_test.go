package submitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// unavailableGateway answers the methods in failing with 503 and the
// remaining phases with success, counting requests per method.
type unavailableGateway struct {
	failing map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (g *unavailableGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
		ID     int64  `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[req.Method]++
	g.mu.Unlock()

	if g.failing[req.Method] {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var result any
	switch req.Method {
	case "ledger_endorse":
		result = map[string]any{"txId": "tx-1", "status": ledger.StatusSuccess, "payload": "0x6f6b"}
	default:
		result = map[string]any{"status": ledger.StatusSuccess}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (g *unavailableGateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

// newGatewaySubmitter wires a submitter to a real gateway client built from
// the default configuration, retries included.
func newGatewaySubmitter(t *testing.T, h http.Handler, poll time.Duration) *Submitter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := ledger.DefaultGatewayConfig(srv.URL)
	cfg.Timeout = 2 * time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return New(Config{Client: ledger.NewGateway(cfg), PollInterval: poll})
}

func TestSubmitSendsEachPhaseOnce(t *testing.T) {
	tests := []struct {
		name     string
		mode     types.CompletionMode
		failing  string
		wantKind ErrorKind
		want     map[string]int
	}{
		{
			name:     "endorse unavailable",
			mode:     types.ModeEndorseOnly,
			failing:  "ledger_endorse",
			wantKind: KindEndorse,
			want:     map[string]int{"ledger_endorse": 1, "ledger_broadcast": 0},
		},
		{
			name:     "endorse unavailable full",
			mode:     types.ModeFull,
			failing:  "ledger_endorse",
			wantKind: KindEndorse,
			want:     map[string]int{"ledger_endorse": 1, "ledger_broadcast": 0, "ledger_queryTransaction": 0},
		},
		{
			name:     "broadcast unavailable",
			mode:     types.ModeBroadcastOnly,
			failing:  "ledger_broadcast",
			wantKind: KindBroadcast,
			want:     map[string]int{"ledger_endorse": 1, "ledger_broadcast": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &unavailableGateway{failing: map[string]bool{tt.failing: true}}
			s := newGatewaySubmitter(t, gw, 20*time.Millisecond)

			res := s.Submit(context.Background(), testRequest(tt.mode))
			if res.OK {
				t.Fatal("Submit succeeded against an unavailable gateway")
			}
			if res.Err.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", res.Err.Kind, tt.wantKind)
			}
			for method, want := range tt.want {
				if got := gw.count(method); got != want {
					t.Errorf("%s calls = %d, want %d", method, got, want)
				}
			}
		})
	}
}

func TestConfirmPollsOncePerInterval(t *testing.T) {
	gw := &unavailableGateway{failing: map[string]bool{"ledger_queryTransaction": true}}
	const interval = 100 * time.Millisecond
	s := newGatewaySubmitter(t, gw, interval)

	req := testRequest(types.ModeFull)
	req.Timeout = 350 * time.Millisecond
	res := s.Submit(context.Background(), req)

	if res.OK || res.Err.Kind != KindTimeout {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if got := gw.count("ledger_endorse"); got != 1 {
		t.Errorf("endorse calls = %d, want 1", got)
	}
	if got := gw.count("ledger_broadcast"); got != 1 {
		t.Errorf("broadcast calls = %d, want 1", got)
	}
	// One request per poll: at 0, 100, 200 and 300ms.
	if got := gw.count("ledger_queryTransaction"); got < 3 || got > 5 {
		t.Errorf("status queries = %d, want one per %v poll", got, interval)
	}
}
