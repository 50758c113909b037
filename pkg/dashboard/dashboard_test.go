package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/proc"
	"github.com/fortiblox/bitmapvm/pkg/ram"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

var _ RunStats = (*mockRunStats)(nil)

// mockRunStats implements RunStats for testing.
type mockRunStats struct {
	uptime  time.Duration
	started uint64
	exited  uint64
	forks   uint64
	lastErr error
}

func (m *mockRunStats) Uptime() time.Duration { return m.uptime }
func (m *mockRunStats) ProcsStarted() uint64  { return m.started }
func (m *mockRunStats) ProcsExited() uint64   { return m.exited }
func (m *mockRunStats) Forks() uint64         { return m.forks }
func (m *mockRunStats) LastError() error      { return m.lastErr }

type fixture struct {
	sys   *vm.System
	cpu   *cpu.CPU
	dumps *coredump.MemoryStore
	dump  coredump.Meta
	srv   *httptest.Server
}

func newFixture(t *testing.T, stats RunStats) *fixture {
	t.Helper()
	r, err := ram.New(ram.Config{Size: 1 << 20, KernelSize: 64 << 10})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })

	s := vm.New(r, vm.DefaultConfig())
	if err := s.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	c := cpu.New(0)
	as, err := s.CreateAS()
	if err != nil {
		t.Fatal(err)
	}
	as.DefineRegion(c, 0x400000, 4096, true, false, true)
	as.DefineRegion(c, 0x10000000, 4096, true, true, false)
	if err := as.PrepareLoad(c); err != nil {
		t.Fatal(err)
	}
	p := proc.New(1, "shown")
	p.SetAddrSpace(as)
	proc.Switch(c, p)
	if err := s.Fault(c, vm.FaultWrite, 0x400000); err != nil {
		t.Fatal(err)
	}

	dumps := coredump.NewMemoryStore()
	d, err := coredump.Capture(s, as, p.PID(), p.Name(), "test", coredump.HashBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := dumps.Put(d)
	if err != nil {
		t.Fatal(err)
	}

	dash, err := New(DefaultConfig(), s, []*cpu.CPU{c}, dumps, stats)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(dash.Handler())
	t.Cleanup(srv.Close)

	return &fixture{sys: s, cpu: c, dumps: dumps, dump: meta, srv: srv}
}

func getJSON(t *testing.T, url string, wantCode int, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantCode {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d: %s", url, resp.StatusCode, wantCode, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	d, err := New(Config{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Address(); got != "127.0.0.1:8080" {
		t.Errorf("Address() = %q, want 127.0.0.1:8080", got)
	}
	if d.config.ReadTimeout != DefaultConfig().ReadTimeout {
		t.Errorf("ReadTimeout = %v", d.config.ReadTimeout)
	}
}

func TestAPIStats(t *testing.T) {
	f := newFixture(t, &mockRunStats{
		uptime:  90 * time.Second,
		started: 3,
		forks:   2,
		lastErr: errors.New("boom"),
	})

	var resp StatusResponse
	getJSON(t, f.srv.URL+"/api/stats", http.StatusOK, &resp)

	want := f.sys.Stats()
	if resp.Frames != want.Frames {
		t.Errorf("Frames = %+v, want %+v", resp.Frames, want.Frames)
	}
	if resp.AddrSpaces != 1 || resp.CPUs != 1 || resp.TLBValid != 1 {
		t.Errorf("AddrSpaces/CPUs/TLBValid = %d/%d/%d, want 1/1/1", resp.AddrSpaces, resp.CPUs, resp.TLBValid)
	}
	if resp.Uptime != "1m 30s" || resp.ProcsStarted != 3 || resp.Forks != 2 {
		t.Errorf("run stats = %q/%d/%d", resp.Uptime, resp.ProcsStarted, resp.Forks)
	}
	if resp.LastError != "boom" {
		t.Errorf("LastError = %q", resp.LastError)
	}
}

func TestAPIFrames(t *testing.T) {
	f := newFixture(t, nil)

	var resp FramesResponse
	getJSON(t, f.srv.URL+"/api/frames", http.StatusOK, &resp)

	if uint32(len(resp.Map)) != resp.Stats.Total {
		t.Fatalf("len(Map) = %d, want %d", len(resp.Map), resp.Stats.Total)
	}
	if used := uint32(strings.Count(resp.Map, "#")); used != resp.Stats.Used {
		t.Errorf("map shows %d used frames, stats %d", used, resp.Stats.Used)
	}
	if resp.Map[0] != '#' {
		t.Error("kernel frame shown as free")
	}
}

func TestAPISpaces(t *testing.T) {
	f := newFixture(t, nil)

	var resp []SpaceResponse
	getJSON(t, f.srv.URL+"/api/spaces", http.StatusOK, &resp)

	if len(resp) != 1 {
		t.Fatalf("len = %d, want 1", len(resp))
	}
	s := resp[0]
	if !s.Loaded || len(s.Regions) != 3 {
		t.Fatalf("space = %+v", s)
	}
	if s.Regions[0].VBase != "0x00400000" || s.Regions[0].VEnd != "0x00401000" {
		t.Errorf("region1 = %+v", s.Regions[0])
	}
	if s.Regions[2].Name != "stack" || s.Regions[2].VEnd != "0x80000000" {
		t.Errorf("stack = %+v", s.Regions[2])
	}
}

func TestAPITLB(t *testing.T) {
	f := newFixture(t, nil)

	var resp TLBResponse
	getJSON(t, f.srv.URL+"/api/tlb/0", http.StatusOK, &resp)
	if resp.Valid != 1 || len(resp.Entries) != 1 {
		t.Fatalf("TLB = %+v", resp)
	}
	if e := resp.Entries[0]; e.VPage != "0x00400000" || !e.Dirty || e.Slot != 0 {
		t.Errorf("entry = %+v", e)
	}

	getJSON(t, f.srv.URL+"/api/tlb/7", http.StatusNotFound, nil)
	getJSON(t, f.srv.URL+"/api/tlb/x", http.StatusBadRequest, nil)
	getJSON(t, f.srv.URL+"/api/tlb/", http.StatusBadRequest, nil)
}

func TestAPIDumps(t *testing.T) {
	f := newFixture(t, nil)

	var list []coredump.Meta
	getJSON(t, f.srv.URL+"/api/dumps", http.StatusOK, &list)
	if len(list) != 1 || list[0].Key != f.dump.Key {
		t.Fatalf("dumps = %+v", list)
	}

	var resp DumpResponse
	getJSON(t, f.srv.URL+"/api/dumps/"+f.dump.Key, http.StatusOK, &resp)
	if !resp.Verified || resp.Digest != f.dump.Digest || len(resp.Segments) != 3 {
		t.Errorf("dump = %+v", resp)
	}

	key, _ := coredump.ParseKey(f.dump.Key)
	key.Seq++
	getJSON(t, f.srv.URL+"/api/dumps/"+key.String(), http.StatusNotFound, nil)
	getJSON(t, f.srv.URL+"/api/dumps/garbage", http.StatusBadRequest, nil)
}

func TestAPIMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/api/stats", "/api/frames", "/api/spaces", "/api/dumps", "/api/metrics"} {
		resp, err := http.Post(f.srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d", path, resp.StatusCode)
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	getJSON(t, f.srv.URL+"/health", http.StatusOK, nil)

	r, err := ram.New(ram.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	d, err := New(DefaultConfig(), vm.New(r, vm.DefaultConfig()), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	getJSON(t, srv.URL+"/health", http.StatusServiceUnavailable, nil)
	getJSON(t, srv.URL+"/api/dumps", http.StatusOK, nil)
}

func TestPages(t *testing.T) {
	f := newFixture(t, &mockRunStats{})

	tests := []struct {
		path string
		want string
	}{
		{"/", "Free Frames"},
		{"/frames", "frame-map"},
		{"/spaces", "0x00400000"},
		{"/tlb", "cpu0"},
		{"/dumps", "shown[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(f.srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d: %s", resp.StatusCode, body)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("page does not contain %q", tt.want)
			}
		})
	}

	resp, err := http.Get(f.srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope status = %d", resp.StatusCode)
	}
}

func TestStatic(t *testing.T) {
	f := newFixture(t, nil)

	for name, ctype := range map[string]string{"style.css": "text/css", "app.js": "application/javascript"} {
		resp, err := http.Get(f.srv.URL + "/static/" + name)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != ctype {
			t.Errorf("%s: status %d, type %q", name, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
	}
}

func TestFormatters(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatDuration(42 * time.Second), "42s"},
		{formatDuration(3*time.Hour + 5*time.Minute), "3h 5m"},
		{formatDuration(50 * time.Hour), "2d 2h"},
		{formatNumber(uint32(999)), "999"},
		{formatNumber(uint64(12345)), "12,345"},
		{formatBytes(uint32(8 << 20)), "8.0 MiB"},
		{formatBytes(512), "512 B"},
		{truncateHash("abcdefghijklmnopqrstuvwxyz", 4), "abcd...wxyz"},
		{formatTime(time.Time{}), "N/A"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
	if p := percent(1, 4); p != 25 {
		t.Errorf("percent(1, 4) = %v", p)
	}
	if p := percent(1, 0); p != 0 {
		t.Errorf("percent(1, 0) = %v", p)
	}
}
