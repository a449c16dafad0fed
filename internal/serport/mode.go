package serport

import (
	"fmt"

	"go.bug.st/serial"
)

// ParseMode turns a baud rate and a compact byte-format string ("8N1",
// "8E1", "8O1") into a go.bug.st serial mode.
func ParseMode(baud int, format string) (*serial.Mode, error) {
	if len(format) != 3 {
		return nil, fmt.Errorf("bad serial format %q (want e.g. 8E1)", format)
	}
	mode := &serial.Mode{BaudRate: baud}
	switch format[0] {
	case '7':
		mode.DataBits = 7
	case '8':
		mode.DataBits = 8
	default:
		return nil, fmt.Errorf("bad data bits in %q", format)
	}
	switch format[1] {
	case 'N', 'n':
		mode.Parity = serial.NoParity
	case 'E', 'e':
		mode.Parity = serial.EvenParity
	case 'O', 'o':
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("bad parity in %q", format)
	}
	switch format[2] {
	case '1':
		mode.StopBits = serial.OneStopBit
	case '2':
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("bad stop bits in %q", format)
	}
	return mode, nil
}
