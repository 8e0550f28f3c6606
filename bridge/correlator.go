package bridge

import (
	"github.com/google/uuid"
	"github.com/guseggert/tradebridge/protocol"
)

// newRequestID returns a UUIDv7: a millisecond timestamp followed by random bits.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type outcome struct {
	reply *protocol.Reply
	err   error
}

type pendingRequest struct {
	id      string
	cmdType string
	// done receives at most one outcome, sent while the entry is being removed from the table.
	done chan outcome
}

// correlator is the table of commands waiting for a reply.
// It has no lock of its own; every method must be called with the Bridge's mutex held.
type correlator struct {
	newID   func() string
	pending map[string]*pendingRequest
}

func newCorrelator(newID func() string) *correlator {
	return &correlator{
		newID:   newID,
		pending: map[string]*pendingRequest{},
	}
}

func (c *correlator) register(cmdType string) *pendingRequest {
	id := c.newID()
	for c.pending[id] != nil {
		id = c.newID()
	}
	req := &pendingRequest{
		id:      id,
		cmdType: cmdType,
		done:    make(chan outcome, 1),
	}
	c.pending[id] = req
	return req
}

// take removes and returns the entry for id, or nil if there is none.
// Whoever takes an entry is the only one allowed to resolve it.
func (c *correlator) take(id string) *pendingRequest {
	req, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return req
}

func (c *correlator) resolve(id string, o outcome) bool {
	req := c.take(id)
	if req == nil {
		return false
	}
	req.done <- o
	return true
}

func (c *correlator) failAll(err error) int {
	n := len(c.pending)
	for id := range c.pending {
		c.resolve(id, outcome{err: err})
	}
	return n
}

// abandonAll drops every entry without resolving it.
func (c *correlator) abandonAll() int {
	n := len(c.pending)
	c.pending = map[string]*pendingRequest{}
	return n
}

func (c *correlator) len() int {
	return len(c.pending)
}
