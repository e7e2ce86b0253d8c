package enclosure

import "testing"

func TestSafeToMove(t *testing.T) {
	for _, tc := range []struct {
		name   string
		live   bool
		inputs []bool
		want   bool
	}{
		{"open with power", true, []bool{true, false, true, false}, true},
		{"closed", true, []bool{false, true, true, false}, false},
		{"mid travel", true, []bool{false, false, true, false}, false},
		{"both sensors", true, []bool{true, true, true, false}, false},
		{"power fault", true, []bool{true, false, false, false}, false},
		{"link down", false, nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := &Enclosure{
				coils:  []bool{false, false, true},
				inputs: tc.inputs,
				live:   tc.live,
			}
			if got := e.SafeToMove(); got != tc.want {
				t.Errorf("SafeToMove() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	e := &Enclosure{
		coils:  []bool{true, false, true},
		inputs: []bool{true, false, true, false},
		live:   true,
	}
	if got, want := e.Status().String(), "enclosure: clamshell open, power ok=true, rain=false"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := (Status{}).String(), "enclosure: link down"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
