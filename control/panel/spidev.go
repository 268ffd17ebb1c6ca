package panel

import (
	"fmt"

	"github.com/fulr/spidev"
	"periph.io/x/conn/v3"
)

// Spidev is a bus on a raw /dev/spidevB.C node, for boards where periph has no SPI driver.  The
// device's mode and speed are left as the kernel set them.
type Spidev struct {
	path string
	dev  *spidev.SPIDevice
}

// OpenSpidev opens the spidev node at path.
func OpenSpidev(path string) (*Spidev, error) {
	dev, err := spidev.NewSPIDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Spidev{path: path, dev: dev}, nil
}

func (s *Spidev) String() string {
	return s.path
}

// Tx implements conn.Conn.
func (s *Spidev) Tx(w, r []byte) error {
	rx, err := s.dev.Xfer(w)
	if err != nil {
		return fmt.Errorf("xfer %d bytes: %w", len(w), err)
	}
	copy(r, rx)
	return nil
}

// Duplex implements conn.Conn.
func (s *Spidev) Duplex() conn.Duplex {
	return conn.Full
}

// MaxTxSize implements conn.Limits.
func (s *Spidev) MaxTxSize() int {
	return DefaultMaxTx
}

// Close closes the device.
func (s *Spidev) Close() error {
	s.dev.Close()
	return nil
}
