package server

import "io"

// Sender writes bytes to a client socket. A single call may transmit fewer
// bytes than requested; it returns the count actually sent.
type Sender interface {
	Send(p []byte) (int, error)
}

// sendAll keeps calling s.Send until p is fully transmitted or an error
// occurs. It always reports the exact number of bytes sent.
func sendAll(s Sender, p []byte) (int, error) {
	if s == nil {
		return 0, ErrNoConnection
	}
	total := 0
	for total < len(p) {
		n, err := s.Send(p[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n <= 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
