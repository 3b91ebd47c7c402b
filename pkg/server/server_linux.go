//go:build linux

package server

func newEventLoop(s *Server) (eventLoop, error) {
	l, err := newPollLoop(s)
	if err != nil {
		return nil, err
	}
	return l, nil
}
