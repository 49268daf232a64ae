package host

import (
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/merrors"
	"github.com/efficientgo/core/testutil"

	"github.com/ardnew/usbenum/pkg"
)

func TestConfig_DefaultIsValid(t *testing.T) {
	testutil.Ok(t, DefaultConfig().Validate())
}

func TestConfig_ValidateReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectDelay = 0
	cfg.MaxResetRetries = 0
	cfg.ConfigBufferSize = 4
	cfg.NotifyBackoffMax = time.Millisecond

	err := cfg.Validate()
	testutil.NotOk(t, err)
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "got %v", err)

	multi, ok := merrors.AsMulti(err)
	testutil.Assert(t, ok, "expected a multi error, got %T", err)
	testutil.Equals(t, 4, len(multi.Errors()))
}

func TestConfig_BufferLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfigBufferSize = 0x10000
	testutil.NotOk(t, cfg.Validate())
}

func TestFilter_Matches(t *testing.T) {
	info := InterfaceInfo{VendorID: 0x1234, ProductID: 0x5678, Number: 1, Class: 0xFF, SubClass: 2, Protocol: 3}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter", Filter{}, true},
		{"vendor", Filter{Match: MatchVendor, VendorID: 0x1234}, true},
		{"wrong vendor", Filter{Match: MatchVendor, VendorID: 0x4321}, false},
		{"vendor and product", Filter{Match: MatchVendor | MatchProduct, VendorID: 0x1234, ProductID: 0x5678}, true},
		{"wrong product", Filter{Match: MatchProduct, ProductID: 1}, false},
		{"class", Filter{Match: MatchClass, Class: 0xFF}, true},
		{"wrong subclass", Filter{Match: MatchClass | MatchSubClass, Class: 0xFF, SubClass: 9}, false},
		{"protocol", Filter{Match: MatchProtocol, Protocol: 3}, true},
		{"interface", Filter{Match: MatchInterface, Interface: 1}, true},
		{"wrong interface", Filter{Match: MatchInterface, Interface: 0}, false},
		{"unset fields ignored", Filter{VendorID: 0x9999, Class: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.Equals(t, tt.want, tt.filter.Matches(info))
		})
	}
}

func TestEnumError_Unwrap(t *testing.T) {
	e := EnumError{
		Location: LocationHubInit,
		State:    "get-hub-descriptor",
		Err:      errors.Wrap(pkg.ErrDescriptorTooShort, "hub descriptor of 3 bytes"),
		Hub:      1,
		Port:     2,
	}
	testutil.Assert(t, errors.Is(e, pkg.ErrDescriptorTooShort), "got %v", e)
	testutil.Assert(t, e.Error() != "", "empty message")
}
