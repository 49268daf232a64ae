// Package prof exposes runtime profiles for long-running usbenum processes.
//
// Register mounts the pprof HTTP handlers on a caller's mux, so profiles
// are served next to /metrics rather than from http.DefaultServeMux:
//
//	mux := http.NewServeMux()
//	prof.Register(mux)
//
// StartCPU streams a CPU profile to a file until the returned stop function
// is called. Write captures a snapshot profile such as heap or goroutine.
package prof

import (
	"io"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/merrors"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or the CPU profile
	// passed to Write.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime profile.
type Profile string

// Profiles known to the runtime.
const (
	ProfileCPU          Profile = "cpu"
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

// Register mounts the /debug/pprof/ handlers on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
}

var (
	cpuMu     sync.Mutex
	cpuActive bool
)

// StartCPU starts a CPU profile written to path. The returned function
// stops the profile and closes the file; it may be called more than once.
func StartCPU(path string) (stop func() error, err error) {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		return nil, ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create cpu profile")
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "start cpu profile")
	}
	cpuActive = true

	var once sync.Once
	return func() error {
		var closeErr error
		once.Do(func() {
			cpuMu.Lock()
			defer cpuMu.Unlock()
			pprof.StopCPUProfile()
			cpuActive = false
			closeErr = f.Close()
		})
		return closeErr
	}, nil
}

// CPUActive reports whether a CPU profile is being written.
func CPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuActive
}

// Write writes a snapshot of profile to w in the pprof wire format.
func Write(profile Profile, w io.Writer) error {
	if profile == ProfileCPU {
		return errors.Wrap(ErrInvalidProfile, "cpu profile needs StartCPU")
	}
	p := pprof.Lookup(string(profile))
	if p == nil {
		return errors.Wrapf(ErrInvalidProfile, "%q", profile)
	}
	return p.WriteTo(w, 0)
}

// WriteFiles writes one snapshot file per profile into dir, named
// "<profile>.prof". Every profile is attempted; failures are combined.
func WriteFiles(dir string, profiles ...Profile) error {
	errs := merrors.New()
	for _, p := range profiles {
		errs.Add(writeFile(filepath.Join(dir, p.String()+".prof"), p))
	}
	return errs.Err()
}

func writeFile(path string, p Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := Write(p, f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", p)
	}
	return f.Close()
}
