// bitmapvm: a simulated OS/161 machine with a bitmap frame allocator.
//
// This is the main entry point. It boots the VM system over simulated RAM,
// runs user programs on every CPU, and optionally exposes the machine over an
// HTTP dashboard and a gRPC control service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/dashboard"
	"github.com/fortiblox/bitmapvm/pkg/loader"
	"github.com/fortiblox/bitmapvm/pkg/ram"
	ksyscall "github.com/fortiblox/bitmapvm/pkg/syscall"
	"github.com/fortiblox/bitmapvm/pkg/vm"
	"github.com/fortiblox/bitmapvm/pkg/vmctl"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// progList collects repeated -prog flags.
type progList []string

func (p *progList) String() string { return strings.Join(*p, ",") }

func (p *progList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

// Configuration flags
var (
	ramSize     = flag.String("ram", "8MiB", "Physical memory size")
	kernelSize  = flag.String("kernel", "1MiB", "Memory reserved for the kernel image")
	numCPUs     = flag.Int("cpus", 2, "Number of CPUs")
	numProcs    = flag.Int("procs", 4, "Processes to run on each CPU")
	numForks    = flag.Int("forks", 2, "Address-space copies made by each process")
	dumpBackend = flag.String("dump-backend", coredump.BackendMemory, "Dump store: memory, bolt, badger")
	dataDir     = flag.String("data-dir", "./bitmapvm-data", "Data directory for persistent dump stores")
	dashAddr    = flag.String("dashboard", "", "Dashboard listen address, e.g. 127.0.0.1:8080 (empty disables)")
	vmctlAddr   = flag.String("vmctl", "", "Control service listen address (empty disables)")
	vmctlToken  = flag.String("vmctl-token", "", "Token required by the control service")
	quiet       = flag.Bool("quiet", false, "Discard console output from user programs")
	debug       = flag.Bool("debug", false, "Trace page faults")
	showVersion = flag.Bool("version", false, "Print version and exit")

	programs progList
)

func main() {
	flag.Var(&programs, "prog", "ELF program to run (repeatable; default is a built-in demo)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bitmapvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting bitmapvm %s", Version)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Boot physical memory and the VM system
	memSize, err := parseSize(*ramSize)
	if err != nil {
		log.Fatalf("Invalid -ram: %v", err)
	}
	kernSize, err := parseSize(*kernelSize)
	if err != nil {
		log.Fatalf("Invalid -kernel: %v", err)
	}
	mem, err := ram.New(ram.Config{Size: memSize, KernelSize: kernSize})
	if err != nil {
		log.Fatalf("Failed to create RAM: %v", err)
	}
	defer mem.Close()

	vmConfig := vm.DefaultConfig()
	vmConfig.Debug = *debug
	sys := vm.New(mem, vmConfig)
	if err := sys.Bootstrap(); err != nil {
		log.Fatalf("VM bootstrap failed: %v", err)
	}
	stats := sys.Stats()
	log.Printf("RAM %s, %d frames, %d free", humanize.IBytes(uint64(stats.RAMBytes)), stats.Frames.Total, stats.Frames.Free)

	if *numCPUs < 1 {
		log.Fatalf("Invalid -cpus: %d", *numCPUs)
	}
	cpus := make([]*cpu.CPU, *numCPUs)
	for i := range cpus {
		cpus[i] = cpu.New(i)
	}

	// Open the dump store
	dumps, err := coredump.OpenStore(*dumpBackend, *dataDir)
	if err != nil {
		log.Fatalf("Failed to open dump store: %v", err)
	}
	defer dumps.Close()

	// Load programs
	images, err := loadImages(programs)
	if err != nil {
		log.Fatalf("Failed to load programs: %v", err)
	}

	run := newRunStats()
	var servers sync.WaitGroup

	// Start the dashboard
	if *dashAddr != "" {
		dashConfig, err := dashboardConfig(*dashAddr)
		if err != nil {
			log.Fatalf("Invalid -dashboard: %v", err)
		}
		dash, err := dashboard.New(dashConfig, sys, cpus, dumps, run)
		if err != nil {
			log.Fatalf("Failed to create dashboard: %v", err)
		}
		servers.Add(1)
		go func() {
			defer servers.Done()
			log.Printf("Dashboard listening on http://%s", dash.Address())
			if err := dash.Start(ctx); err != nil {
				log.Printf("Dashboard error: %v", err)
			}
		}()
	}

	// Start the control service
	if *vmctlAddr != "" {
		ctlConfig := vmctl.DefaultConfig()
		ctlConfig.Address = *vmctlAddr
		ctlConfig.Token = *vmctlToken
		ctl, err := vmctl.NewServer(ctlConfig, sys, cpus, dumps)
		if err != nil {
			log.Fatalf("Failed to create control service: %v", err)
		}
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := ctl.ListenAndServe(ctx); err != nil {
				log.Printf("Control service error: %v", err)
			}
		}()
	}

	// Print status periodically
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logStatus(sys, run)
			}
		}
	}()

	var out io.Writer = os.Stdout
	if *quiet {
		out = io.Discard
	}
	w := &workload{
		sys:     sys,
		handler: ksyscall.NewHandler(sys, ksyscall.NewConsole(os.Stdin, out)),
		dumps:   dumps,
		images:  images,
		forks:   *numForks,
		stats:   run,
	}

	// Run the workload, one goroutine per CPU
	var workers sync.WaitGroup
	for _, c := range cpus {
		workers.Add(1)
		go func(c *cpu.CPU) {
			defer workers.Done()
			w.runCPU(ctx, c, *numProcs)
		}(c)
	}
	workers.Wait()
	logStatus(sys, run)

	if *dashAddr != "" || *vmctlAddr != "" {
		log.Println("Workload finished; serving until interrupted")
		<-ctx.Done()
	}
	cancel()
	servers.Wait()

	if err := run.LastError(); err != nil {
		log.Printf("bitmapvm stopped with errors (last: %v)", err)
		dumps.Close()
		mem.Close()
		os.Exit(1)
	}
	log.Println("bitmapvm stopped")
}

// parseSize parses a human-readable byte count such as "8MiB".
func parseSize(s string) (uint32, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%s exceeds the 32-bit physical address space", s)
	}
	return uint32(n), nil
}

// dashboardConfig builds a dashboard config from host:port.
func dashboardConfig(addr string) (dashboard.Config, error) {
	config := dashboard.DefaultConfig()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return config, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config, fmt.Errorf("invalid port %q", portStr)
	}
	if host != "" {
		config.BindAddress = host
	}
	config.Port = port
	return config, nil
}

// loadImages parses the named ELF files, or returns the built-in demo.
func loadImages(paths []string) ([]namedImage, error) {
	if len(paths) == 0 {
		img, err := loader.Parse(loader.BuildELF(demoImage()), loader.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("demo image: %w", err)
		}
		return []namedImage{{name: "demo", img: img}}, nil
	}

	images := make([]namedImage, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		img, err := loader.Parse(data, loader.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		name := path
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			name = path[i+1:]
		}
		images = append(images, namedImage{name: name, img: img})
	}
	return images, nil
}

func logStatus(sys *vm.System, run *runStats) {
	s := sys.Stats()
	msg := fmt.Sprintf("Status: frames=%d/%d used, spaces=%d, faults=%d, tlb_full=%d, procs=%d/%d, forks=%d",
		s.Frames.Used, s.Frames.Total, s.AddrSpaces, s.Faults, s.TLBFull,
		run.ProcsExited(), run.ProcsStarted(), run.Forks())
	if err := run.LastError(); err != nil && !errors.Is(err, context.Canceled) {
		msg += fmt.Sprintf(", last_error=%q", err)
	}
	log.Print(msg)
}
