package dashboard

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/frames"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

// API response types

// StatusResponse is the response for GET /api/stats.
type StatusResponse struct {
	RAMBytes      uint32       `json:"ramBytes"`
	Frames        frames.Stats `json:"frames"`
	UsedPercent   float64      `json:"usedPercent"`
	StolenPages   uint32       `json:"stolenPages"`
	AddrSpaces    int          `json:"addrSpaces"`
	Faults        uint64       `json:"faults"`
	TLBFills      uint64       `json:"tlbFills"`
	TLBFull       uint64       `json:"tlbFull"`
	TLBValid      int          `json:"tlbValid"`
	CPUs          int          `json:"cpus"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds float64      `json:"uptimeSeconds"`
	ProcsStarted  uint64       `json:"procsStarted"`
	ProcsExited   uint64       `json:"procsExited"`
	Forks         uint64       `json:"forks"`
	LastError     string       `json:"lastError,omitempty"`
}

// FramesResponse is the response for GET /api/frames.
type FramesResponse struct {
	Stats frames.Stats `json:"stats"`
	// Map has one character per frame: '.' free, '#' used.
	Map string `json:"map"`
}

// RegionResponse is one region of an address space.
type RegionResponse struct {
	Name   string `json:"name"`
	VBase  string `json:"vbase"`
	VEnd   string `json:"vend"`
	PBase  string `json:"pbase"`
	NPages uint32 `json:"npages"`
}

// SpaceResponse is a live address space.
type SpaceResponse struct {
	ID      string           `json:"id"`
	Loaded  bool             `json:"loaded"`
	Pages   uint32           `json:"pages"`
	Regions []RegionResponse `json:"regions"`
}

// TLBEntryResponse is one TLB slot.
type TLBEntryResponse struct {
	Slot  int    `json:"slot"`
	VPage string `json:"vpage"`
	PPage string `json:"ppage"`
	Dirty bool   `json:"dirty"`
	Valid bool   `json:"valid"`
}

// TLBResponse is the response for GET /api/tlb/:cpu.
type TLBResponse struct {
	CPU     int                `json:"cpu"`
	Valid   int                `json:"valid"`
	Entries []TLBEntryResponse `json:"entries"`
}

// DumpResponse is the response for GET /api/dumps/:key.
type DumpResponse struct {
	coredump.Meta
	Segments []RegionResponse `json:"segments"`
	Verified bool             `json:"verified"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	// Memory stats of the host process
	MemAlloc      uint64 `json:"memAlloc"`
	MemTotalAlloc uint64 `json:"memTotalAlloc"`
	MemSys        uint64 `json:"memSys"`
	MemHeapInuse  uint64 `json:"memHeapInuse"`
	NumGC         uint32 `json:"numGC"`

	// Runtime stats
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	// Machine stats
	Faults   uint64 `json:"faults"`
	TLBFills uint64 `json:"tlbFills"`
	TLBFull  uint64 `json:"tlbFull"`
}

// handleAPIStats handles GET /api/stats.
func (d *Dashboard) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.getStatus())
}

// handleAPIFrames handles GET /api/frames.
func (d *Dashboard) handleAPIFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	free := d.sys.FrameMap()
	var b strings.Builder
	b.Grow(len(free))
	for _, f := range free {
		if f {
			b.WriteByte('.')
		} else {
			b.WriteByte('#')
		}
	}

	writeJSON(w, FramesResponse{
		Stats: d.sys.Stats().Frames,
		Map:   b.String(),
	})
}

// handleAPISpaces handles GET /api/spaces.
func (d *Dashboard) handleAPISpaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, spaceResponses(d.sys.AddrSpaces()))
}

// handleAPITLB handles GET /api/tlb/:cpu.
func (d *Dashboard) handleAPITLB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/tlb/")
	if idStr == "" {
		writeError(w, "CPU number required", http.StatusBadRequest)
		return
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, "Invalid CPU number", http.StatusBadRequest)
		return
	}

	for _, c := range d.cpus {
		if c.ID() == id {
			writeJSON(w, tlbResponse(c))
			return
		}
	}
	writeError(w, "CPU not found", http.StatusNotFound)
}

// handleAPIDumps handles GET /api/dumps.
func (d *Dashboard) handleAPIDumps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.dumps == nil {
		writeJSON(w, []coredump.Meta{})
		return
	}

	metas, err := d.dumps.List()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if metas == nil {
		metas = []coredump.Meta{}
	}
	writeJSON(w, metas)
}

// handleAPIDump handles GET /api/dumps/:key.
func (d *Dashboard) handleAPIDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.dumps == nil {
		writeError(w, "Dump not found", http.StatusNotFound)
		return
	}

	key, err := coredump.ParseKey(strings.TrimPrefix(r.URL.Path, "/api/dumps/"))
	if err != nil {
		writeError(w, "Invalid dump key", http.StatusBadRequest)
		return
	}

	dump, err := d.dumps.Get(key)
	switch {
	case errors.Is(err, coredump.ErrNotFound):
		writeError(w, "Dump not found", http.StatusNotFound)
		return
	case errors.Is(err, coredump.ErrCorrupt):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := DumpResponse{Verified: true}
	resp.Key = dump.Key().String()
	resp.ID = dump.ID.String()
	resp.Seq = dump.Seq
	resp.PID = dump.PID
	resp.Name = dump.Name
	resp.Reason = dump.Reason
	resp.Time = dump.Time
	resp.Hash = dump.Hash
	resp.Digest = dump.Digest
	resp.Size = dump.Size()
	for _, s := range dump.Segments {
		resp.Segments = append(resp.Segments, regionResponse(s.Name, s.VBase, 0, s.NPages))
	}
	writeJSON(w, resp)
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats := d.sys.Stats()

	writeJSON(w, MetricsResponse{
		MemAlloc:      memStats.Alloc,
		MemTotalAlloc: memStats.TotalAlloc,
		MemSys:        memStats.Sys,
		MemHeapInuse:  memStats.HeapInuse,
		NumGC:         memStats.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GoVersion:     runtime.Version(),
		Faults:        stats.Faults,
		TLBFills:      stats.TLBFills,
		TLBFull:       stats.TLBFull,
	})
}

// handleHealth handles GET /health.
func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !d.sys.Ready() {
		writeError(w, "frame table not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// Helper functions

func regionResponse(name string, vbase types.VAddr, pbase types.PAddr, npages uint32) RegionResponse {
	resp := RegionResponse{
		Name:   name,
		VBase:  vbase.String(),
		VEnd:   types.VAddr(uint32(vbase) + npages*types.PageSize).String(),
		NPages: npages,
	}
	if pbase != 0 {
		resp.PBase = pbase.String()
	}
	return resp
}

func spaceResponses(infos []vm.Info) []SpaceResponse {
	spaces := make([]SpaceResponse, 0, len(infos))
	for _, info := range infos {
		s := SpaceResponse{
			ID:     info.ID.String(),
			Loaded: info.Loaded,
			Pages:  info.Pages,
		}
		for i, r := range info.Regions {
			s.Regions = append(s.Regions, regionResponse(fmt.Sprintf("region%d", i+1), r.VBase, r.PBase, r.NPages))
		}
		s.Regions = append(s.Regions, regionResponse("stack", types.StackBase, info.StackPBase, types.StackPages))
		spaces = append(spaces, s)
	}
	return spaces
}

func tlbResponse(c *cpu.CPU) TLBResponse {
	resp := TLBResponse{CPU: c.ID()}
	for i, e := range c.TLB().Entries() {
		if !e.Valid() {
			continue
		}
		resp.Valid++
		resp.Entries = append(resp.Entries, TLBEntryResponse{
			Slot:  i,
			VPage: e.VPage().String(),
			PPage: e.PPage().String(),
			Dirty: e.Dirty(),
			Valid: true,
		})
	}
	return resp
}
