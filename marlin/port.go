package marlin

import (
	"io"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Port is the byte stream to a printer board. Flush discards any
// unread input held by the driver.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// OpenSerial opens a serial device with blocking reads, the mode
// Conn expects.
func OpenSerial(device string, baud int) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", device)
	}
	return p, nil
}
