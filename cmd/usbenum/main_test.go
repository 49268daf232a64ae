package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

const topologyYAML = `
root_ports: 2
engine:
  connect_delay: 50ms
  max_enum_retries: 3
ports:
  - port: 1
    device:
      vendor: 0x05e3
      product: 0x0608
      speed: high
      self_powered: true
      hub:
        ports: 4
        devices:
          - port: 2
            device:
              vendor: 0x1234
              product: 0x5678
              serial: SN1
  - port: 2
    device:
      vendor: 0x1234
      product: 0x0001
      faults:
        descriptor_drift: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usbenum.yaml")
	testutil.Ok(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_TopologyAndEngine(t *testing.T) {
	v, err := initConfig([]string{"--config", writeConfig(t, topologyYAML)})
	testutil.Ok(t, err)

	topo, err := getTopology(v)
	testutil.Ok(t, err)
	testutil.Equals(t, 2, topo.RootPorts)
	testutil.Equals(t, 2, len(topo.Ports))
	hub := topo.Ports[0].Device
	testutil.Equals(t, uint16(0x05e3), hub.Vendor)
	testutil.Assert(t, hub.Hub != nil, "port 1 should describe a hub")
	testutil.Equals(t, 4, hub.Hub.Ports)
	testutil.Equals(t, "SN1", hub.Hub.Devices[0].Device.Serial)
	testutil.Assert(t, topo.Ports[1].Device.Faults.DescriptorDrift, "drift fault should decode")

	cfg, err := getEngineConfig(v)
	testutil.Ok(t, err)
	testutil.Equals(t, 50*time.Millisecond, cfg.ConnectDelay)
	testutil.Equals(t, 3, cfg.MaxEnumRetries)
	testutil.Equals(t, 10, cfg.MaxResetRetries)
}

func TestConfig_Defaults(t *testing.T) {
	v, err := initConfig([]string{"--config", writeConfig(t, "{}\n")})
	testutil.Ok(t, err)
	topo, err := getTopology(v)
	testutil.Ok(t, err)
	testutil.Equals(t, defaultRootPorts, topo.RootPorts)
	testutil.Equals(t, 0, len(topo.Ports))
	testutil.Equals(t, 30*time.Second, v.GetDuration("settle"))
}

func TestConfig_InvalidEngine(t *testing.T) {
	v, err := initConfig([]string{"--config", writeConfig(t, "engine:\n  max_reset_retries: 0\n")})
	testutil.Ok(t, err)
	_, err = getEngineConfig(v)
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "got %v", err)
}

func TestConfig_MissingFile(t *testing.T) {
	_, err := initConfig([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
	testutil.NotOk(t, err)
}

func TestConfig_EnvOverride(t *testing.T) {
	t.Setenv("USBENUM_LOG_LEVEL", "error")
	v, err := initConfig([]string{"--config", writeConfig(t, "{}\n")})
	testutil.Ok(t, err)
	testutil.Equals(t, "error", v.GetString("log-level"))
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		name string
		want hal.Speed
	}{
		{"low", hal.SpeedLow},
		{"", hal.SpeedFull},
		{"Full", hal.SpeedFull},
		{" high ", hal.SpeedHigh},
	}
	for _, tt := range tests {
		got, err := parseSpeed(tt.name)
		testutil.Ok(t, err)
		testutil.Equals(t, tt.want, got)
	}
	_, err := parseSpeed("super")
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "got %v", err)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestMain_VirtualRunReportsTree(t *testing.T) {
	var out bytes.Buffer
	testutil.Ok(t, Main([]string{"--config", writeConfig(t, topologyYAML), "--log-level", "error"}, &out))

	var rep report
	testutil.Ok(t, yaml.Unmarshal(out.Bytes(), &rep))
	testutil.Equals(t, 2, len(rep.Ports))

	hub := rep.Ports[0]
	testutil.Equals(t, "enabled", hub.State)
	testutil.Assert(t, hub.Device != nil && hub.Device.Hub, "root port 1 should report the hub")
	testutil.Equals(t, "05e3", hub.Device.Vendor)
	testutil.Equals(t, 4, len(hub.Ports))
	child := hub.Ports[1]
	testutil.Equals(t, "enabled", child.State)
	testutil.Assert(t, child.Device != nil, "hub port 2 should report the device")
	testutil.Equals(t, "SN1", child.Device.Serial)
	testutil.Equals(t, uint8(1), child.Device.Configuration)

	testutil.Equals(t, "error", rep.Ports[1].State)
	testutil.Equals(t, 1, len(rep.Errors))
	testutil.Equals(t, "device-descriptor", rep.Errors[0].Location)
	testutil.Equals(t, 3, rep.Errors[0].Retries)
}

func TestMain_BadLogFormat(t *testing.T) {
	err := Main([]string{"--config", writeConfig(t, "{}\n"), "--log-format", "xml"}, &bytes.Buffer{})
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "got %v", err)
}

func TestMain_NamesFromUSBIDs(t *testing.T) {
	ids := filepath.Join(t.TempDir(), "usb.ids")
	testutil.Ok(t, os.WriteFile(ids, []byte("05e3  Genesys Logic, Inc.\n\t0608  Hub\n"), 0o600))

	var out bytes.Buffer
	testutil.Ok(t, Main([]string{
		"--config", writeConfig(t, topologyYAML),
		"--log-level", "error",
		"--usb-ids", ids,
	}, &out))

	var rep report
	testutil.Ok(t, yaml.Unmarshal(out.Bytes(), &rep))
	hub := rep.Ports[0].Device
	testutil.Equals(t, "Genesys Logic, Inc.", hub.VendorName)
	testutil.Equals(t, "Hub", hub.ProductName)
	testutil.Equals(t, "", rep.Ports[0].Ports[1].Device.VendorName)
}

func TestMain_CPUProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")
	testutil.Ok(t, Main([]string{
		"--config", writeConfig(t, topologyYAML),
		"--log-level", "error",
		"--cpu-profile", path,
	}, &bytes.Buffer{}))
	_, err := os.Stat(path)
	testutil.Ok(t, err)
}
