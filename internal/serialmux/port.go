package serialmux

import "io"

// SerialPorter is the byte channel to the motion controller: a UART in
// production, a fixture or a scripted fake otherwise.
//
// Read returning (0, nil) means the port's read timeout elapsed. It is not
// end-of-stream.
type SerialPorter interface {
	io.ReadWriteCloser
}
