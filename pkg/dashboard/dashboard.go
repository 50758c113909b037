// Package dashboard provides an embedded web dashboard for watching a running
// bitmapvm machine.
//
// The dashboard provides:
// - Frame table occupancy and a map of every physical frame
// - Live address spaces with their region geometry
// - TLB contents per CPU
// - Stored address-space dumps
//
// All assets are compiled into the binary as strings.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

// Config controls the dashboard HTTP server.
type Config struct {
	// BindAddress and Port form the listen address.
	// Default: 127.0.0.1:8080
	BindAddress string
	Port        int

	// Server timeouts. Zero values take the defaults.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
}

// withDefaults returns c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BindAddress == "" {
		c.BindAddress = d.BindAddress
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// RunStats provides workload statistics to the dashboard.
type RunStats interface {
	// Uptime returns how long the machine has been running.
	Uptime() time.Duration

	// ProcsStarted returns the number of processes loaded.
	ProcsStarted() uint64

	// ProcsExited returns the number of processes that exited.
	ProcsExited() uint64

	// Forks returns the number of address-space copies made.
	Forks() uint64

	// LastError returns the last workload error, if any.
	LastError() error
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config   Config
	server   *http.Server
	sys      *vm.System
	cpus     []*cpu.CPU
	dumps    coredump.Store
	runStats RunStats

	// Cached templates
	templates *template.Template

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server. dumps and stats may be nil.
func New(config Config, sys *vm.System, cpus []*cpu.CPU, dumps coredump.Store, stats RunStats) (*Dashboard, error) {
	d := &Dashboard{
		config:    config.withDefaults(),
		sys:       sys,
		cpus:      cpus,
		dumps:     dumps,
		runStats:  stats,
		startTime: time.Now(),
	}

	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl

	return d, nil
}

// parseTemplates parses all embedded templates.
func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
		"percent":        percent,
	}

	tmpl := template.New("").Funcs(funcMap)

	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	templates := map[string]string{
		"home":   homeTemplate,
		"frames": framesTemplate,
		"spaces": spacesTemplate,
		"tlb":    tlbTemplate,
		"dumps":  dumpsTemplate,
	}

	for name, content := range templates {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
	}

	return tmpl, nil
}

// Handler returns the dashboard's HTTP handler.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	// Static assets
	mux.HandleFunc("/static/", d.handleStatic)

	// Page routes
	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/frames", d.handleFrames)
	mux.HandleFunc("/spaces", d.handleSpaces)
	mux.HandleFunc("/tlb", d.handleTLB)
	mux.HandleFunc("/dumps", d.handleDumps)

	// API routes
	mux.HandleFunc("/api/stats", d.handleAPIStats)
	mux.HandleFunc("/api/frames", d.handleAPIFrames)
	mux.HandleFunc("/api/spaces", d.handleAPISpaces)
	mux.HandleFunc("/api/tlb/", d.handleAPITLB)
	mux.HandleFunc("/api/dumps", d.handleAPIDumps)
	mux.HandleFunc("/api/dumps/", d.handleAPIDump)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)
	mux.HandleFunc("/health", d.handleHealth)

	return mux
}

// Start starts the dashboard HTTP server. It blocks until the server stops.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.startTime = time.Now()

	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	server := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}

	return nil
}

// Address returns the address the dashboard is listening on.
func (d *Dashboard) Address() string {
	return fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port)
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	d.renderPage(w, "home", d.getStatus())
}

// handleFrames renders the frame map.
func (d *Dashboard) handleFrames(w http.ResponseWriter, r *http.Request) {
	d.renderPage(w, "frames", map[string]interface{}{
		"Stats": d.sys.Stats().Frames,
		"Map":   d.sys.FrameMap(),
	})
}

// handleSpaces renders the address space list.
func (d *Dashboard) handleSpaces(w http.ResponseWriter, r *http.Request) {
	d.renderPage(w, "spaces", map[string]interface{}{
		"Spaces": spaceResponses(d.sys.AddrSpaces()),
	})
}

// handleTLB renders the TLB of every CPU.
func (d *Dashboard) handleTLB(w http.ResponseWriter, r *http.Request) {
	var cpus []TLBResponse
	for _, c := range d.cpus {
		cpus = append(cpus, tlbResponse(c))
	}
	d.renderPage(w, "tlb", map[string]interface{}{
		"CPUs": cpus,
	})
}

// handleDumps renders the stored dumps.
func (d *Dashboard) handleDumps(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{}
	if d.dumps == nil {
		data["Error"] = "No dump store configured"
	} else if metas, err := d.dumps.List(); err != nil {
		data["Error"] = fmt.Sprintf("List dumps: %v", err)
	} else {
		data["Dumps"] = metas
	}
	d.renderPage(w, "dumps", data)
}

// handleStatic serves embedded static assets.
func (d *Dashboard) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")

	content, contentType, ok := getStaticAsset(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(content))
}

// getStatus collects the overview numbers.
func (d *Dashboard) getStatus() StatusResponse {
	stats := d.sys.Stats()

	d.mu.RLock()
	up := time.Since(d.startTime)
	d.mu.RUnlock()

	resp := StatusResponse{
		RAMBytes:      stats.RAMBytes,
		Frames:        stats.Frames,
		UsedPercent:   percent(stats.Frames.Used, stats.Frames.Total),
		StolenPages:   stats.StolenPages,
		AddrSpaces:    stats.AddrSpaces,
		Faults:        stats.Faults,
		TLBFills:      stats.TLBFills,
		TLBFull:       stats.TLBFull,
		CPUs:          len(d.cpus),
		Uptime:        formatDuration(up),
		UptimeSeconds: up.Seconds(),
	}
	for _, c := range d.cpus {
		resp.TLBValid += c.TLB().ValidCount()
	}

	if d.runStats != nil {
		up = d.runStats.Uptime()
		resp.Uptime = formatDuration(up)
		resp.UptimeSeconds = up.Seconds()
		resp.ProcsStarted = d.runStats.ProcsStarted()
		resp.ProcsExited = d.runStats.ProcsExited()
		resp.Forks = d.runStats.Forks()
		if err := d.runStats.LastError(); err != nil {
			resp.LastError = err.Error()
		}
	}
	return resp
}

// renderPage renders a page template with the given data.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	// First render the content template into a buffer
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	// Then render the layout with the content
	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}

	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helpers

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d/time.Minute), int(d%time.Minute/time.Second))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
	day := 24 * time.Hour
	return fmt.Sprintf("%dd %dh", int(d/day), int(d%day/time.Hour))
}

// formatNumber renders integers with thousands separators.
func formatNumber(n interface{}) string {
	switch v := n.(type) {
	case int:
		return humanize.Comma(int64(v))
	case uint32:
		return humanize.Comma(int64(v))
	case uint64:
		return humanize.Comma(int64(v))
	case float64:
		return humanize.Commaf(v)
	}
	return fmt.Sprint(n)
}

// formatBytes renders a byte count in binary units.
func formatBytes(n interface{}) string {
	switch v := n.(type) {
	case int:
		return humanize.IBytes(uint64(v))
	case uint32:
		return humanize.IBytes(uint64(v))
	case uint64:
		return humanize.IBytes(v)
	}
	return fmt.Sprint(n)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(time.DateTime) + " UTC"
}

// truncateHash keeps n characters from each end of s.
func truncateHash(s string, n int) string {
	if len(s) <= 2*n+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

func percent(part, total uint32) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}
