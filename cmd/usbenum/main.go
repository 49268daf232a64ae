// Command usbenum runs the enumeration engine over a simulated bus built
// from a config file and prints the resulting device tree as YAML.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/host/hal/sim"
	"github.com/ardnew/usbenum/pkg"
	"github.com/ardnew/usbenum/pkg/prof"
	"github.com/ardnew/usbenum/pkg/usbid"
)

// tick is the wall-clock step of a realtime run.
const tick = time.Millisecond

// Main is the principal function for the binary, wrapped only by `main`
// for convenience.
func Main(args []string, stdout io.Writer) error {
	v, err := initConfig(args)
	if err != nil {
		return err
	}
	if err := setupLogging(v); err != nil {
		return err
	}

	topo, err := getTopology(v)
	if err != nil {
		return err
	}
	cfg, err := getEngineConfig(v)
	if err != nil {
		return err
	}
	if path := v.GetString("cpu-profile"); path != "" {
		stop, err := prof.StartCPU(path)
		if err != nil {
			return err
		}
		defer func() {
			if err := stop(); err != nil {
				pkg.LogWarn(pkg.ComponentHost, "close cpu profile", "error", err)
			}
		}()
	}
	ids := loadIDs(v.GetString("usb-ids"))

	bus, err := topo.build()
	if err != nil {
		return errors.Wrap(err, "build simulated bus")
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c, err := host.New(bus, host.WithConfig(cfg), host.WithTimers(bus), host.WithRegisterer(r))
	if err != nil {
		return errors.Wrap(err, "create controller")
	}
	var enumErrs []host.EnumError
	c.OnEnumerationError(func(e host.EnumError) {
		if e.Final {
			enumErrs = append(enumErrs, e)
		}
	})

	if v.GetBool("realtime") {
		if err := runRealtime(v, c, bus, r); err != nil {
			return err
		}
	} else if err := runVirtual(c, bus, v.GetDuration("settle")); err != nil {
		return err
	}

	rep := buildReport(c.Tree(), enumErrs, ids)
	if err := c.Stop(); err != nil && !errors.Is(err, pkg.ErrNotRunning) {
		pkg.LogWarn(pkg.ComponentHost, "stop", "error", err)
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return errors.Wrap(err, "encode report")
	}
	return enc.Close()
}

func setupLogging(v *viper.Viper) error {
	level, err := pkg.ParseLogLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	pkg.SetLogLevel(level)
	switch strings.ToLower(v.GetString("log-format")) {
	case "", "text":
		pkg.SetLogFormat(os.Stderr, pkg.LogFormatText)
	case "json":
		pkg.SetLogFormat(os.Stderr, pkg.LogFormatJSON)
	default:
		return errors.Wrapf(pkg.ErrInvalidParameter, "log format %q", v.GetString("log-format"))
	}
	return nil
}

// loadIDs reads the name database. Names are optional, so a missing file
// only costs the report its vendor_name and product_name fields.
func loadIDs(path string) *usbid.Database {
	var paths []string
	if path != "" {
		paths = []string{path}
	}
	db, err := usbid.Open(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "usb.ids unavailable", "error", err)
		return nil
	}
	return db
}

// runVirtual drives the bus clock as fast as the engine keeps up, until
// nothing is left to do or the settle limit of virtual time has passed.
func runVirtual(c *host.Controller, bus *sim.Bus, settle time.Duration) error {
	if err := c.Start(context.Background()); err != nil {
		return errors.Wrap(err, "start controller")
	}
	for {
		c.Poll()
		if bus.Now() >= settle {
			pkg.LogInfo(pkg.ComponentHost, "settle limit reached", "virtual_time", bus.Now())
			return nil
		}
		if !bus.Step() && c.Poll() == 0 {
			pkg.LogInfo(pkg.ComponentHost, "bus settled", "virtual_time", bus.Now())
			return nil
		}
	}
}

// runRealtime runs the engine loop, a wall-clock driver for the bus, the
// optional HTTP server and a signal handler until one of them ends.
func runRealtime(v *viper.Viper, c *host.Controller, bus *sim.Bus, r *prometheus.Registry) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The controller outlives the group so the tree can be reported.
	if err := c.Start(context.Background()); err != nil {
		return errors.Wrap(err, "start controller")
	}

	var g run.Group
	{
		// Run the controller loop.
		g.Add(func() error {
			err := c.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	{
		// Advance the virtual clock with the wall clock.
		clk := clock.RealClock{}
		ticker := clk.NewTicker(tick)
		done := make(chan struct{})
		g.Add(func() error {
			last := clk.Now()
			for {
				select {
				case now := <-ticker.C():
					bus.Advance(now.Sub(last))
					last = now
				case <-done:
					return nil
				}
			}
		}, func(error) {
			ticker.Stop()
			close(done)
		})
	}

	if listen := v.GetString("listen"); listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			if !c.Running() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		if v.GetBool("pprof") {
			prof.Register(mux)
		}
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", listen)
		}
		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && !errors.Is(err, http.ErrServerClosed) &&
				!errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		stop := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				pkg.LogInfo(pkg.ComponentHost, "caught interrupt, shutting down")
			case <-stop:
			}
			return nil
		}, func(error) {
			signal.Stop(term)
			close(stop)
		})
	}

	return g.Run()
}

func main() {
	if err := Main(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
