package schier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotse3/schier_interface/mount"
)

// Terminator bytes. Every reply ends in '\r' except the fault-history
// query, which ends in ';' and carries no CRC.
const (
	Terminator      = '\r'
	FaultTerminator = ';'
)

// Command mnemonics. Note the controller's inconsistent axis casing on
// the velocity and acceleration commands.
const (
	MnemonicRecentFaults = "RecentFaults"
)

// StopMnemonic and friends build the per-axis command names.
func StopMnemonic(axis mount.Axis) string    { return "Stop" + string(axis) }
func HomeMnemonic(axis mount.Axis) string    { return "Home" + string(axis) }
func RunMnemonic(axis mount.Axis) string     { return "Run" + string(axis) }
func HaltMnemonic(axis mount.Axis) string    { return "Halt" + string(axis) }
func PosMnemonic(axis mount.Axis) string     { return "Pos" + string(axis) }
func Status1Mnemonic(axis mount.Axis) string { return "Status1" + string(axis) }
func Status2Mnemonic(axis mount.Axis) string { return "Status2" + string(axis) }

func VelMnemonic(axis mount.Axis) string {
	if axis == mount.AxisRA {
		return "VelRa"
	}
	return "VelDec"
}

func AccelMnemonic(axis mount.Axis) string {
	if axis == mount.AxisRA {
		return "AccelRa"
	}
	return "AccelDec"
}

// BuildCommand frames an outbound command: "$<mnemonic>[, <value>]" plus
// CRC digits plus the terminator.
func BuildCommand(mnemonic string, value ...int64) string {
	body := "$" + mnemonic
	if len(value) > 0 {
		body += fmt.Sprintf(", %d", value[0])
	}
	return AppendCRC(body) + string(Terminator)
}

// CheckEcho verifies that a reply names the same axis as the command it
// answers. A desynchronized line hands back the previous command's reply;
// without this check a Dec answer could be accepted for an RA request.
func CheckEcho(mnemonic, body string) error {
	m := strings.ToUpper(mnemonic)
	b := strings.ToUpper(body)
	if strings.Contains(m, "RA") && !strings.Contains(b, "RA") {
		return mount.AxisErrorf(mount.ErrConnection, mount.AxisRA, "reply %q does not echo RA", body)
	}
	if strings.Contains(m, "DEC") && !strings.Contains(b, "DEC") {
		return mount.AxisErrorf(mount.ErrConnection, mount.AxisDec, "reply %q does not echo Dec", body)
	}
	return nil
}

// StripDecoration removes the '@' or '$' prefix and the echoed mnemonic,
// returning just the data portion of a validated reply body.
func StripDecoration(body string) string {
	body = strings.TrimLeft(body, "@$")
	if i := strings.IndexByte(body, ' '); i >= 0 {
		return strings.TrimSpace(body[i+1:])
	}
	return ""
}

// ParseFields splits a comma-separated reply payload into trimmed fields.
func ParseFields(data string) []string {
	parts := strings.Split(data, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ParseCount parses a decimal encoder count. An unparseable payload is an
// error; it never defaults to zero.
func ParseCount(field string) (float64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
	if err != nil {
		return 0, mount.Errorf(mount.ErrParse, "unparseable count %q", field)
	}
	return float64(v), nil
}

// ParseStatusWord parses a 16-bit hex status word.
func ParseStatusWord(field string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(field), "0x"), 16, 16)
	if err != nil {
		return 0, mount.Errorf(mount.ErrParse, "unparseable status word %q", field)
	}
	return uint16(v), nil
}
