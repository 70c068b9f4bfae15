package reader

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultBaud matches the firmware's serial rate.
const DefaultBaud = 115200

// OpenSerial opens the card reader's serial port for line reading.
func OpenSerial(port string, baud int) (io.ReadCloser, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	return p, nil
}
