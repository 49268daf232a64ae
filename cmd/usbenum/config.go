package main

import (
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/host/hal/sim"
	"github.com/ardnew/usbenum/pkg"
)

const defaultRootPorts = 4

// initConfig defines the flags and reads the config file and USBENUM_*
// environment overrides.
func initConfig(args []string) (*viper.Viper, error) {
	fs := flag.NewFlagSet("usbenum", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the topology and engine config file.")
	fs.String("log-level", "warn", "Log level: debug, info, warn or error.")
	fs.String("log-format", "text", "Log format: text or json.")
	fs.String("listen", "", "Address to serve /metrics and /health on. Empty disables the server.")
	fs.Bool("realtime", false, "Advance the simulated bus with the wall clock until interrupted.")
	fs.Duration("settle", 30*time.Second, "Virtual time after which a non-realtime run stops.")
	fs.String("usb-ids", "", "Path to a usb.ids file for vendor and product names. Empty searches the usual locations.")
	fs.Bool("pprof", false, "Serve /debug/pprof/ on the --listen address.")
	fs.String("cpu-profile", "", "Write a CPU profile of the run to this path.")
	fs.Int("root-ports", defaultRootPorts, "Number of root hub ports when the config does not set root_ports.")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("usbenum")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/usbenum/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("USBENUM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}
	return v, nil
}

// topology is the simulated bus described by the config file.
type topology struct {
	RootPorts int        `mapstructure:"root_ports"`
	Latency   string     `mapstructure:"latency"`
	ResetTime string     `mapstructure:"reset_time"`
	Ports     []portSpec `mapstructure:"ports"`
}

type portSpec struct {
	Port   int        `mapstructure:"port"`
	Device deviceSpec `mapstructure:"device"`
}

type deviceSpec struct {
	Vendor         uint16    `mapstructure:"vendor"`
	Product        uint16    `mapstructure:"product"`
	Speed          string    `mapstructure:"speed"`
	Class          uint8     `mapstructure:"class"`
	SubClass       uint8     `mapstructure:"subclass"`
	Protocol       uint8     `mapstructure:"protocol"`
	Serial         string    `mapstructure:"serial"`
	MaxPacketSize0 uint8     `mapstructure:"max_packet_size0"`
	Interfaces     int       `mapstructure:"interfaces"`
	Configs        []int     `mapstructure:"configs"`
	SelfPowered    bool      `mapstructure:"self_powered"`
	Hub            *hubSpec  `mapstructure:"hub"`
	Faults         faultSpec `mapstructure:"faults"`
}

type hubSpec struct {
	Ports         int        `mapstructure:"ports"`
	PowerOnToGood uint8      `mapstructure:"power_on_to_good"`
	Devices       []portSpec `mapstructure:"devices"`
}

type faultSpec struct {
	ResetFailures   int  `mapstructure:"reset_failures"`
	HangRequests    int  `mapstructure:"hang_requests"`
	StallStrings    bool `mapstructure:"stall_strings"`
	DescriptorDrift bool `mapstructure:"descriptor_drift"`
}

func decode(input, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// getTopology decodes the bus section of the config.
func getTopology(v *viper.Viper) (topology, error) {
	topo := topology{RootPorts: v.GetInt("root-ports")}
	raw := map[string]any{}
	for _, key := range []string{"root_ports", "latency", "reset_time", "ports"} {
		if v.IsSet(key) {
			raw[key] = v.Get(key)
		}
	}
	if err := decode(raw, &topo); err != nil {
		return topology{}, errors.Wrap(err, "decode topology")
	}
	if topo.RootPorts < 1 {
		return topology{}, errors.Wrapf(pkg.ErrInvalidParameter, "root_ports %d", topo.RootPorts)
	}
	return topo, nil
}

// getEngineConfig overlays the engine section of the config on the
// defaults.
func getEngineConfig(v *viper.Viper) (host.Config, error) {
	cfg := host.DefaultConfig()
	if v.IsSet("engine") {
		if err := decode(v.Get("engine"), &cfg); err != nil {
			return host.Config{}, errors.Wrap(err, "decode engine config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return host.Config{}, errors.Wrap(err, "engine config")
	}
	return cfg, nil
}

func parseSpeed(name string) (hal.Speed, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return hal.SpeedLow, nil
	case "", "full":
		return hal.SpeedFull, nil
	case "high":
		return hal.SpeedHigh, nil
	default:
		return hal.SpeedUnknown, errors.Wrapf(pkg.ErrInvalidParameter, "speed %q", name)
	}
}

// busOptions converts the timing fields of the topology.
func (t topology) busOptions() ([]sim.Option, error) {
	var opts []sim.Option
	if t.Latency != "" {
		d, err := time.ParseDuration(t.Latency)
		if err != nil {
			return nil, errors.Wrapf(err, "latency %q", t.Latency)
		}
		opts = append(opts, sim.WithLatency(d))
	}
	if t.ResetTime != "" {
		d, err := time.ParseDuration(t.ResetTime)
		if err != nil {
			return nil, errors.Wrapf(err, "reset_time %q", t.ResetTime)
		}
		opts = append(opts, sim.WithResetTime(d))
	}
	return opts, nil
}

// build creates the simulated bus and plugs in every configured device.
func (t topology) build() (*sim.Bus, error) {
	opts, err := t.busOptions()
	if err != nil {
		return nil, err
	}
	bus := sim.New(t.RootPorts, opts...)
	for _, ps := range t.Ports {
		dev, err := ps.Device.build()
		if err != nil {
			return nil, errors.Wrapf(err, "root port %d", ps.Port)
		}
		if err := bus.Attach(ps.Port, dev); err != nil {
			return nil, errors.Wrapf(err, "attach root port %d", ps.Port)
		}
	}
	return bus, nil
}

func (s deviceSpec) build() (*sim.Device, error) {
	speed, err := parseSpeed(s.Speed)
	if err != nil {
		return nil, err
	}
	var opts []sim.DeviceOption
	if s.Serial != "" {
		opts = append(opts, sim.WithSerial(s.Serial))
	}
	if s.Class != 0 {
		opts = append(opts, sim.WithClass(s.Class, s.SubClass, s.Protocol))
	}
	if s.MaxPacketSize0 != 0 {
		opts = append(opts, sim.WithMaxPacketSize0(s.MaxPacketSize0))
	}
	if s.Interfaces > 0 {
		opts = append(opts, sim.WithInterfaces(s.Interfaces))
	}
	if len(s.Configs) > 0 {
		opts = append(opts, sim.WithConfigs(s.Configs...))
	}
	if s.SelfPowered {
		opts = append(opts, sim.SelfPowered())
	}

	var dev *sim.Device
	if s.Hub != nil {
		ports := s.Hub.Ports
		if ports == 0 {
			ports = 4
		}
		dev = sim.NewHubDevice(s.Vendor, s.Product, speed, ports, opts...)
		if s.Hub.PowerOnToGood != 0 {
			dev.Hub.PowerOnToGood = s.Hub.PowerOnToGood
		}
		for _, ps := range s.Hub.Devices {
			child, err := ps.Device.build()
			if err != nil {
				return nil, errors.Wrapf(err, "hub port %d", ps.Port)
			}
			if err := dev.Hub.Attach(ps.Port, child); err != nil {
				return nil, errors.Wrapf(err, "attach hub port %d", ps.Port)
			}
		}
	} else {
		dev = sim.NewDevice(s.Vendor, s.Product, speed, opts...)
	}
	dev.Faults = sim.Faults{
		ResetFailures:   s.Faults.ResetFailures,
		HangRequests:    s.Faults.HangRequests,
		StallStrings:    s.Faults.StallStrings,
		DescriptorDrift: s.Faults.DescriptorDrift,
	}
	return dev, nil
}
