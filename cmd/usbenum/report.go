package main

import (
	"fmt"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/pkg/usbid"
)

type report struct {
	Ports  []portReport  `yaml:"ports"`
	Errors []errorReport `yaml:"errors,omitempty"`
}

type portReport struct {
	Port    int           `yaml:"port"`
	State   string        `yaml:"state"`
	Retries int           `yaml:"retries,omitempty"`
	Device  *deviceReport `yaml:"device,omitempty"`
	Ports   []portReport  `yaml:"ports,omitempty"`
}

type deviceReport struct {
	ID            uint32 `yaml:"id"`
	Address       uint8  `yaml:"address"`
	Speed         string `yaml:"speed"`
	Vendor        string `yaml:"vendor"`
	Product       string `yaml:"product"`
	VendorName    string `yaml:"vendor_name,omitempty"`
	ProductName   string `yaml:"product_name,omitempty"`
	Serial        string `yaml:"serial,omitempty"`
	Configuration uint8  `yaml:"configuration"`
	Interfaces    int    `yaml:"interfaces"`
	Hub           bool   `yaml:"hub,omitempty"`
}

type errorReport struct {
	Location string `yaml:"location"`
	State    string `yaml:"state"`
	Status   string `yaml:"status"`
	Hub      uint32 `yaml:"hub"`
	Port     int    `yaml:"port"`
	Retries  int    `yaml:"retries"`
	Error    string `yaml:"error"`
}

// buildReport converts the controller tree and final errors. ids may be nil.
func buildReport(tree []host.PortInfo, errs []host.EnumError, ids *usbid.Database) report {
	rep := report{Ports: portReports(tree, ids)}
	for _, e := range errs {
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		rep.Errors = append(rep.Errors, errorReport{
			Location: e.Location.String(),
			State:    e.State,
			Status:   e.Status.String(),
			Hub:      uint32(e.Hub),
			Port:     e.Port,
			Retries:  e.Retries,
			Error:    msg,
		})
	}
	return rep
}

func portReports(ports []host.PortInfo, ids *usbid.Database) []portReport {
	out := make([]portReport, 0, len(ports))
	for _, p := range ports {
		pr := portReport{Port: p.Port, State: p.State.String(), Retries: p.Retries}
		if d := p.Device; d != nil {
			vid, pid := d.Descriptor.VendorID, d.Descriptor.ProductID
			pr.Device = &deviceReport{
				ID:            uint32(d.ID),
				Address:       uint8(d.Address),
				Speed:         d.Speed.String(),
				Vendor:        fmt.Sprintf("%04x", vid),
				Product:       fmt.Sprintf("%04x", pid),
				VendorName:    ids.Vendor(vid),
				ProductName:   ids.Product(vid, pid),
				Serial:        d.Serial,
				Configuration: d.Config.ConfigurationValue,
				Interfaces:    len(d.Interfaces),
				Hub:           d.Hub,
			}
			if len(p.Ports) > 0 {
				pr.Ports = portReports(p.Ports, ids)
			}
		}
		out = append(out, pr)
	}
	return out
}
