package dht

import (
	"math"
	"sync"
	"time"

	"github.com/ouinet/ouicache/pkg/constants"
)

// queryStat keeps a rolling window of reply times for one query type.
type queryStat struct {
	samples []time.Duration
	next    int
	count   int
}

func (s *queryStat) add(d time.Duration) {
	if s.samples == nil {
		s.samples = make([]time.Duration, constants.DHTStatsWindow)
	}
	s.samples[s.next] = d
	s.next = (s.next + 1) % len(s.samples)
	if s.count < len(s.samples) {
		s.count++
	}
}

// waitTime returns mean + 3 sigma over the window, capped at the
// adaptive ceiling. With too few samples the conservative default
// applies instead.
func (s *queryStat) waitTime() time.Duration {
	if s.count < constants.DHTStatsMinSamples {
		return constants.DHTDefaultQueryTimeout
	}
	var sum float64
	for i := 0; i < s.count; i++ {
		sum += s.samples[i].Seconds()
	}
	mean := sum / float64(s.count)

	var varSum float64
	for i := 0; i < s.count; i++ {
		d := s.samples[i].Seconds() - mean
		varSum += d * d
	}
	sigma := math.Sqrt(varSum / float64(s.count))

	wait := time.Duration((mean + 3*sigma) * float64(time.Second))
	if wait > constants.DHTAdaptiveTimeoutCap {
		wait = constants.DHTAdaptiveTimeoutCap
	}
	return wait
}

// replyStats tracks reply times per query type to derive adaptive
// timeouts.
type replyStats struct {
	mu    sync.Mutex
	stats map[string]*queryStat
}

func newReplyStats() *replyStats {
	return &replyStats{stats: make(map[string]*queryStat)}
}

func (r *replyStats) addReplyTime(queryType string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[queryType]
	if s == nil {
		s = &queryStat{}
		r.stats[queryType] = s
	}
	s.add(d)
}

func (r *replyStats) maxWaitTime(queryType string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[queryType]
	if s == nil {
		return constants.DHTDefaultQueryTimeout
	}
	return s.waitTime()
}
