package schier

import (
	"strings"
	"testing"
)

func TestValidateAcceptsAppendCRC(t *testing.T) {
	for _, body := range []string{
		"$StopRA",
		"$PosDec, -1534182",
		"@Status1RA 12345, 12340",
		"@Status2Dec 0003, 0001",
		"$VelRa, 104",
	} {
		frame := AppendCRC(body)
		got, err := ValidateFrame(frame)
		if err != nil {
			t.Errorf("ValidateFrame(%q) = %v", frame, err)
			continue
		}
		if got != body {
			t.Errorf("ValidateFrame(%q) body = %q, want %q", frame, got, body)
		}
	}
}

func TestValidateCaseInsensitive(t *testing.T) {
	frame := AppendCRC("$StopRA")
	lower := frame[:len(frame)-4] + strings.ToLower(frame[len(frame)-4:])
	if _, err := ValidateFrame(lower); err != nil {
		t.Errorf("ValidateFrame(%q) = %v, want lower-case CRC accepted", lower, err)
	}
}

func TestValidateRejectsCorruption(t *testing.T) {
	frame := AppendCRC("$PosRA, 736065")
	// Flip every bit of every byte in turn; all must be rejected.
	for i := 0; i < len(frame); i++ {
		for bit := uint(0); bit < 8; bit++ {
			corrupted := []byte(frame)
			corrupted[i] ^= 1 << bit
			mutated := string(corrupted)
			if mutated == frame {
				continue
			}
			body, err := ValidateFrame(mutated)
			if err == nil && body == frame[:len(frame)-4] {
				t.Fatalf("corruption at byte %d bit %d accepted: %q", i, bit, mutated)
			}
			// Corruptions inside the hex CRC field that only change case
			// (0x20 on a letter) are legal by design; everything else
			// must fail.
			if err == nil && !strings.EqualFold(mutated, frame) {
				t.Fatalf("corrupted frame %q validated with body %q", mutated, body)
			}
		}
	}
}

func TestCRC16KnownValues(t *testing.T) {
	// Reference values captured from the controller's own checksummer.
	for _, tc := range []struct {
		body string
		want uint16
	}{
		{"$StopRA", 0x5C5F},
		{"$PosDec, -1534182", 0x972A},
		{"@Status1RA 12345, 12340", 0x794E},
		{"$VelRa, 104", 0x732A},
		{"$RecentFaults", 0x4332},
		{"$Status1Dec", 0xD772},
	} {
		if got := CRC16(tc.body); got != tc.want {
			t.Errorf("CRC16(%q) = %04X, want %04X", tc.body, got, tc.want)
		}
	}
}
