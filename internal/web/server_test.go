package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"railgnss/internal/console"
	"railgnss/internal/gnss"
	"railgnss/internal/mt3333"
	"railgnss/internal/nmea"
	"railgnss/internal/tracklog"
	"railgnss/internal/uart"
)

type fixedState mt3333.State

func (s fixedState) State() mt3333.State { return mt3333.State(s) }

type fakeTrack struct{}

func (fakeTrack) Entries(limit int) ([]tracklog.Entry, error) {
	return []tracklog.Entry{{ID: 1, Kind: "new_fix", Valid: true, LatDeg: 52.03}}, nil
}
func (fakeTrack) Stats() tracklog.Stats { return tracklog.Stats{Written: 1} }

func newTestService(t *testing.T) *gnss.Service {
	t.Helper()
	svc := gnss.New(gnss.Config{Device: "pipe", Baud: 9600}, uart.NewPipe(9600))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status=%d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("/dev/ttyAMA0", "termios", "")
	svc := newTestService(t)

	ts := httptest.NewServer(Handler(Deps{Status: st, GNSS: svc, Module: fixedState(mt3333.StateUp)}))
	defer ts.Close()

	var snap StatusSnapshot
	getJSON(t, ts.URL+"/api/status", &snap)
	if snap.Service != "railgnss" || snap.Device != "/dev/ttyAMA0" {
		t.Fatalf("snap=%+v", snap)
	}
	if snap.Baud != 9600 || snap.ModuleState != mt3333.StateUp.String() {
		t.Fatalf("baud=%d module_state=%q", snap.Baud, snap.ModuleState)
	}
	if snap.GNSS == nil || snap.GNSS.PoolFree != 4 {
		t.Fatalf("gnss stats=%+v", snap.GNSS)
	}
}

func TestAPIGNSS_ReturnsSnapshot(t *testing.T) {
	svc := newTestService(t)
	svc.Inject(nmea.Format("GPRMC,120230.000,A,5201.8959,N,00505.7139,E,0.20,1.42,100217,,,"))

	ts := httptest.NewServer(Handler(Deps{GNSS: svc}))
	defer ts.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var snap gnss.Snapshot
		getJSON(t, ts.URL+"/api/gnss", &snap)
		if snap.Fix.Valid {
			if snap.Fix.EW != "E" || snap.Fix.SpeedKnots != 0.2 {
				t.Fatalf("fix=%+v", snap.Fix)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fix never became valid")
}

func TestAPIConsole(t *testing.T) {
	c := console.New()
	c.Handle("echo", func(ctx context.Context, args []string, w io.Writer) error {
		_, err := io.WriteString(w, strings.Join(args, " ")+"\n")
		return err
	})
	ts := httptest.NewServer(Handler(Deps{Console: c}))
	defer ts.Close()

	post := func(body string) (int, string) {
		resp, err := http.Post(ts.URL+"/api/console", "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, out := post("echo hello rail"); code != http.StatusOK || out != "hello rail\n" {
		t.Fatalf("code=%d out=%q", code, out)
	}
	if code, out := post("nope"); code != http.StatusBadRequest || !strings.Contains(out, "unknown command") {
		t.Fatalf("code=%d out=%q", code, out)
	}
	if code, _ := post("echo a\necho b"); code != http.StatusBadRequest {
		t.Fatalf("multi-line code=%d", code)
	}

	resp, err := http.Get(ts.URL + "/api/console")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET code=%d", resp.StatusCode)
	}
}

func TestAPITrackLog(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{Track: fakeTrack{}}))
	defer ts.Close()

	var out struct {
		Stats   tracklog.Stats   `json:"stats"`
		Entries []tracklog.Entry `json:"entries"`
	}
	getJSON(t, ts.URL+"/api/tracklog?limit=5", &out)
	if len(out.Entries) != 1 || out.Entries[0].LatDeg != 52.03 || out.Stats.Written != 1 {
		t.Fatalf("out=%+v", out)
	}

	resp, err := http.Get(ts.URL + "/api/tracklog?limit=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("code=%d", resp.StatusCode)
	}
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d", resp2.StatusCode)
	}
}

func TestWebsocket_PushesPublishedFixes(t *testing.T) {
	feed := NewBroadcaster()
	reg := gnss.NewRegistry()
	if err := feed.Attach(reg); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ts := httptest.NewServer(Handler(Deps{Feed: feed}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/gnss/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for feed.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ev := gnss.Event{Kind: gnss.EventNewFix, Snapshot: gnss.Snapshot{Fix: gnss.Fix{Valid: true, LatDeg: 52.03}}}
	if err := reg.Dispatch(gnss.EventNewFix, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap gnss.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !snap.Fix.Valid || snap.Fix.LatDeg != 52.03 {
		t.Fatalf("snap=%+v", snap.Fix)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for feed.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := feed.Subscribers(); n != 0 {
		t.Fatalf("subscribers=%d after close", n)
	}
}

func TestBroadcaster_NewSubscriberGetsLast(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(gnss.Snapshot{SpeedAvgKnots: 3})
	id, ch := b.Subscribe(1)
	defer b.Unsubscribe(id)
	select {
	case s := <-ch:
		if s.SpeedAvgKnots != 3 {
			t.Fatalf("snap=%+v", s)
		}
	default:
		t.Fatalf("no initial sample")
	}
	// Full channel: Publish must not block.
	b.Publish(gnss.Snapshot{})
	b.Publish(gnss.Snapshot{})
}
