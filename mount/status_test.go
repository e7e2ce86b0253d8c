package mount

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAxisStatus(t *testing.T) {
	for _, tc := range []struct {
		name         string
		word1, word2 uint16
		want         AxisStatus
		anyError     bool
	}{
		{"clean", 0x0000, 0x0000, AxisStatus{}, false},
		{"estop", 0x0001, 0x0000, AxisStatus{EStop: true}, true},
		{"neg limit", 0x0002, 0x0000, AxisStatus{NegLimit: true}, true},
		{"pos limit", 0x0004, 0x0000, AxisStatus{PosLimit: true}, true},
		{"brake", 0x0000, 0x0001, AxisStatus{BrakeEngaged: true}, true},
		{"amp disabled", 0x0000, 0x0002, AxisStatus{AmpDisabled: true}, true},
		{"everything", 0x0007, 0x0003, AxisStatus{
			EStop: true, NegLimit: true, PosLimit: true,
			BrakeEngaged: true, AmpDisabled: true,
		}, true},
		// Bits above the defined ones are ignored, not misread as faults.
		{"high bits", 0xFFF8, 0xFFFC, AxisStatus{}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseAxisStatus(tc.word1, tc.word2)
			tc.want.StatusWord1 = tc.word1
			tc.want.StatusWord2 = tc.word2
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
			}
			if got.AnyError() != tc.anyError {
				t.Errorf("AnyError() = %v, want %v", got.AnyError(), tc.anyError)
			}
		})
	}
}

func TestFaultNames(t *testing.T) {
	a := ParseAxisStatus(0x0003, 0x0002)
	want := []string{"estop", "neg_limit", "amp_disabled"}
	if diff := cmp.Diff(want, a.Faults()); diff != "" {
		t.Errorf("unexpected faults: got(-)/want(+):\n%s", diff)
	}
}

func TestErrorKinds(t *testing.T) {
	err := AxisErrorf(ErrSafety, AxisDec, "limit switch active")
	if !IsKind(err, ErrSafety) {
		t.Error("IsKind(ErrSafety) = false")
	}
	if IsKind(err, ErrMotion) {
		t.Error("IsKind(ErrMotion) = true")
	}
	wrapped := WrapError(ErrConnection, err, "send failed")
	if !IsKind(wrapped, ErrConnection) {
		t.Error("wrapped kind not connection")
	}
}
