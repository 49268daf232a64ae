package pkg

import (
	"testing"

	"github.com/efficientgo/core/errors"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusError, "error"},
		{TransferStatusStall, "stall"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusOverrun, "overrun"},
		{TransferStatusUnderrun, "underrun"},
		{TransferStatusNoDevice, "no-device"},
		{TransferStatusPending, "pending"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatus_Error(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferStatusSuccess, nil},
		{TransferStatusPending, nil},
		{TransferStatusStall, ErrStall},
		{TransferStatusTimeout, ErrTimeout},
		{TransferStatusCancelled, ErrCancelled},
		{TransferStatusOverrun, ErrOverrun},
		{TransferStatusUnderrun, ErrUnderrun},
		{TransferStatusNoDevice, ErrNoDevice},
		{TransferStatusError, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransferStatus_Terminal(t *testing.T) {
	if TransferStatusPending.Terminal() {
		t.Error("pending status reported terminal")
	}
	for _, s := range []TransferStatus{TransferStatusSuccess, TransferStatusStall, TransferStatusTimeout} {
		if !s.Terminal() {
			t.Errorf("%v not terminal", s)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrStall,
		ErrTimeout,
		ErrCancelled,
		ErrOverrun,
		ErrUnderrun,
		ErrProtocol,
		ErrNoDevice,
		ErrRejected,
		ErrDescriptorTooShort,
		ErrDescriptorTypeMismatch,
		ErrDescriptorMismatch,
		ErrBufferTooSmall,
		ErrInvalidMaxPacket,
		ErrPowerBudget,
		ErrHubTooDeep,
		ErrUnsupportedSpeed,
		ErrInvalidState,
		ErrInvalidParameter,
		ErrNotSupported,
		ErrBusy,
		ErrResetBusy,
		ErrNoAddress,
		ErrRemoved,
		ErrRetriesExhausted,
		ErrUnknownID,
		ErrNotOpen,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestWrappedSentinel(t *testing.T) {
	err := errors.Wrapf(ErrStall, "port %d", 3)
	if !errors.Is(err, ErrStall) {
		t.Errorf("wrapped error %v does not match ErrStall", err)
	}
}
