package dht

import (
	"encoding/binary"
	"net"
	"sync"
)

// transactions tracks outstanding queries by transaction id. A reply is
// delivered to its waiter only when both the id and the sender endpoint
// match; anything else is dropped.
type transactions struct {
	mu      sync.Mutex
	next    uint16
	pending map[string]*pendingQuery
}

type pendingQuery struct {
	endpoint *net.UDPAddr
	reply    chan *Message
}

func newTransactions() *transactions {
	return &transactions{
		next:    1,
		pending: make(map[string]*pendingQuery),
	}
}

// open allocates a transaction id not currently in use and registers a
// waiter for the given endpoint. The counter wraps; ids still in flight
// are skipped.
func (t *transactions) open(ep *net.UDPAddr) (tid []byte, reply <-chan *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf [2]byte
	for {
		binary.BigEndian.PutUint16(buf[:], t.next)
		t.next++
		if _, used := t.pending[string(buf[:])]; !used {
			break
		}
	}

	ch := make(chan *Message, 1)
	t.pending[string(buf[:])] = &pendingQuery{endpoint: ep, reply: ch}
	return buf[:], ch
}

// deliver routes a reply to its waiter. Returns false when no matching
// transaction exists or the sender does not match.
func (t *transactions) deliver(from *net.UDPAddr, m *Message) bool {
	t.mu.Lock()
	p, ok := t.pending[string(m.TID)]
	if ok && udpAddrEqual(p.endpoint, from) {
		delete(t.pending, string(m.TID))
	} else {
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.reply <- m
	return true
}

// close abandons a transaction after a timeout or cancellation.
func (t *transactions) close(tid []byte) {
	t.mu.Lock()
	delete(t.pending, string(tid))
	t.mu.Unlock()
}
