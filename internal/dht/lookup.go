package dht

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/ouinet/ouicache/pkg/constants"
)

// Contact is a lookup candidate. Bootstrap endpoints have no id yet.
type Contact struct {
	ID       *NodeID
	Endpoint *net.UDPAddr
}

func (c Contact) String() string {
	if c.ID == nil {
		return "? at " + c.Endpoint.String()
	}
	return NodeContact{ID: *c.ID, Endpoint: c.Endpoint}.String()
}

// visitResult is what one candidate evaluation produced.
type visitResult struct {
	// closer are candidates harvested from the reply.
	closer []NodeContact
	// accept counts the candidate as a responder near the target.
	accept bool
	// stop terminates the whole traversal early.
	stop bool
}

type visitFunc func(ctx context.Context, c Contact) visitResult

type lookupState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	target    NodeID
	withID    []Contact // sorted by distance to target
	withoutID []Contact
	seen      map[string]bool
	responded *proximityMap[*net.UDPAddr]
	inflight  int
	stopped   bool
}

func newLookupState(target NodeID) *lookupState {
	st := &lookupState{
		target:    target,
		seen:      make(map[string]bool),
		responded: newProximityMap[*net.UDPAddr](target, constants.ResponsibleTrackers),
	}
	st.cond = sync.NewCond(&st.mu)
	return st
}

func (st *lookupState) add(contacts []Contact) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range contacts {
		if IsMartian(c.Endpoint) || st.seen[c.Endpoint.String()] {
			continue
		}
		st.seen[c.Endpoint.String()] = true
		if c.ID == nil {
			st.withoutID = append(st.withoutID, c)
		} else {
			st.withID = append(st.withID, c)
		}
	}
	sort.Slice(st.withID, func(i, j int) bool {
		return st.withID[i].ID.CloserTo(st.target, *st.withID[j].ID)
	})
	st.cond.Broadcast()
}

// pop returns the next candidate worth visiting, blocking while the
// queue is empty but evaluations are still in flight. The second result
// is false when the traversal is finished.
func (st *lookupState) pop() (Contact, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for {
		if st.stopped {
			return Contact{}, false
		}
		if len(st.withID) > 0 {
			c := st.withID[0]
			if st.responded.full() && !st.responded.wouldInsert(*c.ID) {
				// Sorted by distance: if the closest queued id
				// cannot improve the result, none can.
				st.withID = nil
			} else {
				st.withID = st.withID[1:]
				st.inflight++
				return c, true
			}
		}
		if len(st.withoutID) > 0 && !st.responded.full() {
			c := st.withoutID[0]
			st.withoutID = st.withoutID[1:]
			st.inflight++
			return c, true
		}
		if st.inflight == 0 {
			return Contact{}, false
		}
		st.cond.Wait()
	}
}

func (st *lookupState) complete(c Contact, res visitResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inflight--
	if res.accept && c.ID != nil {
		st.responded.insert(*c.ID, c.Endpoint)
	}
	if res.stop {
		st.stopped = true
	}
	st.cond.Broadcast()
}

func (st *lookupState) stop() {
	st.mu.Lock()
	st.stopped = true
	st.cond.Broadcast()
	st.mu.Unlock()
}

func (st *lookupState) closest() []NodeContact {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]NodeContact, 0, len(st.responded.items()))
	for _, e := range st.responded.items() {
		out = append(out, NodeContact{ID: e.id, Endpoint: e.value})
	}
	return out
}

// collect runs the alpha-parallel iterative Kademlia traversal toward
// target. visit evaluates one candidate; harvested closer nodes feed
// back into the candidate set. It returns the closest responders seen.
func (n *Node) collect(ctx context.Context, target NodeID, seeds []Contact, visit visitFunc) ([]NodeContact, error) {
	st := newLookupState(target)
	st.add(seeds)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		<-watchCtx.Done()
		st.stop()
	}()

	var wg sync.WaitGroup
	for i := 0; i < constants.DHTAlpha; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, ok := st.pop()
				if !ok {
					return
				}
				res := visit(ctx, c)
				for _, nc := range res.closer {
					if !IsMartian(nc.Endpoint) {
						id := nc.ID
						st.add([]Contact{{ID: &id, Endpoint: nc.Endpoint}})
					}
				}
				st.complete(c, res)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return st.closest(), nil
}

// seedContacts returns the starting candidates for a traversal.
func (n *Node) seedContacts(target NodeID) []Contact {
	closest := n.table.Closest(target, constants.ResponsibleTrackers*4)
	seeds := make([]Contact, 0, len(closest))
	for _, nc := range closest {
		id := nc.ID
		seeds = append(seeds, Contact{ID: &id, Endpoint: nc.Endpoint})
	}
	return seeds
}
