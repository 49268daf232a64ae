// Package usbid reads the usb.ids vendor and product name database.
//
// The enumeration engine only knows numeric identifiers; reports use this
// package to print names next to them:
//
//	db, err := usbid.Open()
//	if err == nil {
//		name := db.Product(0x05e3, 0x0608)
//	}
//
// Only vendor and product entries are kept. Class, language and HID
// sections of the file are skipped.
package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names. It is read-only after
// Parse and safe for concurrent lookups.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// Open parses the first readable file among paths, or DefaultPaths when
// none are given.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		db, err := Parse(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		return db, nil
	}
	return nil, errors.Wrapf(os.ErrNotExist, "usb.ids in %s", strings.Join(paths, ", "))
}

// Parse reads the usb.ids format from r.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	sc := bufio.NewScanner(r)
	vendor, inVendor := uint16(0), false
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(line, "\t\t") {
			continue // interface entries
		}
		if line[0] == '\t' {
			if !inVendor {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}
		// Any other top-level line either opens a vendor or a section this
		// package does not keep (C, AT, HID, L, ...).
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return db, nil
}

// entry splits "xxxx  name".
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(s[5:]), true
}

// Vendor returns the vendor name, or "" when unknown. A nil database knows
// nothing.
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the product name, or "" when unknown.
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
