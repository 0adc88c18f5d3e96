package profiling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Address        string // pprof HTTP address, empty to disable
	CPUProfilePath string // written from Start until Stop
	MemProfilePath string // heap profile written at Stop
	BlockProfile   bool
	MutexProfile   bool
}

// Profiler captures CPU and heap profiles of a parse run and serves pprof
// for a long running follower.
type Profiler struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File
	started  bool
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Profiler{config: config, logger: logger.WithComponent("profiling")}
}

// Enabled reports whether anything is configured.
func (p *Profiler) Enabled() bool {
	c := p.config
	return c.Address != "" || c.CPUProfilePath != "" || c.MemProfilePath != "" || c.BlockProfile || c.MutexProfile
}

// Start begins profiling
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	if p.config.CPUProfilePath != "" {
		f, err := os.Create(p.config.CPUProfilePath)
		if err != nil {
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		if err := runtimepprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		p.cpuFile = f
		p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	}

	if p.config.Address != "" {
		ln, err := net.Listen("tcp", p.config.Address)
		if err != nil {
			p.stopCPU()
			return fmt.Errorf("listen on %s: %w", p.config.Address, err)
		}
		p.listener = ln
		p.server = &http.Server{Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}

		go func() {
			p.logger.Info().Str("address", ln.Addr().String()).Msg("Starting profiling HTTP server")
			if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error().Err(err).Msg("Profiling server error")
			}
		}()
	}

	p.started = true
	return nil
}

// Addr returns the bound pprof address, or "" when not serving.
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Name implements shutdown.Component.
func (p *Profiler) Name() string { return "profiling" }

// Stop finishes the CPU profile, writes the heap profile and stops the
// pprof server.
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}
	p.started = false

	var errs []error
	p.stopCPU()

	if p.config.MemProfilePath != "" {
		if err := p.writeMemProfile(); err != nil {
			errs = append(errs, fmt.Errorf("write memory profile: %w", err))
		}
	}

	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown profiling server: %w", err))
		}
		p.server, p.listener = nil, nil
	}
	return errors.Join(errs...)
}

func (p *Profiler) stopCPU() {
	if p.cpuFile == nil {
		return
	}
	runtimepprof.StopCPUProfile()
	p.cpuFile.Close()
	p.cpuFile = nil
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
}

func (p *Profiler) writeMemProfile() error {
	f, err := os.Create(p.config.MemProfilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	runtime.GC() // up-to-date statistics

	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return err
	}
	p.logger.Info().Str("path", p.config.MemProfilePath).Msg("Memory profile saved")
	return nil
}

// Handler serves the pprof endpoints and a plain text runtime summary.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", statsHandler)
	return mux
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Fprintf(w, "HeapAlloc: %d MB\n", m.HeapAlloc/1024/1024)
	fmt.Fprintf(w, "HeapObjects: %d\n", m.HeapObjects)
	fmt.Fprintf(w, "TotalAlloc: %d MB\n", m.TotalAlloc/1024/1024)
	fmt.Fprintf(w, "Sys: %d MB\n", m.Sys/1024/1024)
	fmt.Fprintf(w, "NumGC: %d\n", m.NumGC)
	if m.NumGC > 0 {
		fmt.Fprintf(w, "PauseNs (last): %d us\n", m.PauseNs[(m.NumGC+255)%256]/1000)
	}
}
