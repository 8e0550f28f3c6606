package bridge

import "time"

// handshake is the single outstanding connection attempt of a session.
// Like the correlator, it relies on the Bridge's mutex.
type handshake struct {
	result   chan Result
	resolved bool
	timer    *time.Timer
}

func newHandshake() *handshake {
	return &handshake{result: make(chan Result, 1)}
}

// resolve delivers res unless the handshake was already resolved, and reports whether it did.
func (h *handshake) resolve(res Result) bool {
	if h.resolved {
		return false
	}
	h.resolved = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.result <- res
	return true
}
