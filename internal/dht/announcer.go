package dht

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/pkg/constants"
)

// AnnounceMode selects how an Announcer schedules its announcements.
type AnnounceMode int

const (
	// AnnouncePeriodic re-announces on a randomized interval.
	AnnouncePeriodic AnnounceMode = iota
	// AnnounceManual announces only when Update is called.
	AnnounceManual
)

// Announcer keeps this node registered in one swarm. Periodic mode
// re-announces within a randomized window so swarm entries outlive the
// tracker-side TTL; manual mode waits for explicit updates.
type Announcer struct {
	node     *Node
	infohash NodeID
	mode     AnnounceMode
	logger   *zap.Logger

	update chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnnouncer starts announcing infohash through node.
func NewAnnouncer(node *Node, infohash NodeID, mode AnnounceMode) *Announcer {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Announcer{
		node:     node,
		infohash: infohash,
		mode:     mode,
		logger: node.logger.With(
			zap.Stringer("infohash", infohash)),
		update: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

// Update triggers an announcement now. Redundant signals coalesce.
func (a *Announcer) Update() {
	select {
	case a.update <- struct{}{}:
	default:
	}
}

// Stop terminates the announcer.
func (a *Announcer) Stop() {
	a.cancel()
	<-a.done
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)

	if a.mode == AnnounceManual {
		for {
			select {
			case <-a.update:
				a.announceOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		var delay time.Duration
		if a.announceOnce(ctx) {
			delay = randomDuration(constants.AnnounceIntervalMin, constants.AnnounceIntervalMax)
		} else {
			delay = randomDuration(constants.AnnounceFailureBackoffMin, constants.AnnounceFailureBackoffMax)
		}
		timer := a.node.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-a.update:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// announceOnce waits out bootstrap, then announces.
func (a *Announcer) announceOnce(ctx context.Context) bool {
	for !a.node.Ready() {
		timer := a.node.clk.Timer(time.Second)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	err := a.node.TrackerAnnounce(ctx, a.infohash, nil)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Debug("announce failed", zap.Error(err))
		}
		return false
	}
	a.logger.Debug("announce succeeded")
	return true
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
