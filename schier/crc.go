// Package schier speaks the checksummed serial command protocol of the
// Schier Products mount controller used on ROTSE-III class forks. Each
// exchange is one framed request and one framed reply; the package owns
// CRC computation, per-command timeouts, and line resynchronization.
package schier

import (
	"fmt"
	"strings"

	"github.com/rotse3/schier_interface/mount"
)

const crcPolynomial = 0x1021

var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the controller's 16-bit checksum of a command body.
func CRC16(body string) uint16 {
	var crc uint16
	for i := 0; i < len(body); i++ {
		crc = crcTable[(crc>>8)&0xFF] ^ (crc << 8) ^ uint16(body[i])
	}
	return crc
}

// AppendCRC renders the checksum of body as four uppercase hex digits and
// appends them.
func AppendCRC(body string) string {
	return fmt.Sprintf("%s%04X", body, CRC16(body))
}

// ValidateFrame checks the trailing four hex digits of a frame (already
// stripped of its terminator) against the checksum of the rest, and
// returns the body. Comparison is case-insensitive.
func ValidateFrame(frame string) (string, error) {
	if len(frame) < 5 {
		return "", mount.Errorf(mount.ErrConnection, "frame %q too short for CRC", frame)
	}
	body, sum := frame[:len(frame)-4], frame[len(frame)-4:]
	want := fmt.Sprintf("%04X", CRC16(body))
	if !strings.EqualFold(sum, want) {
		return "", mount.Errorf(mount.ErrConnection, "CRC mismatch on %q: got %s, want %s", body, sum, want)
	}
	return body, nil
}
