//go:build !linux

package server

func newEventLoop(s *Server) (eventLoop, error) {
	return nil, ErrUnsupportedPlatform
}
