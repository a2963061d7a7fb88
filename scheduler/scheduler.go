// Package scheduler dispatches periodic LOW-priority reads on a
// divisor-aligned tick grid: a round of interval seconds is cut into
// roundSize equal ticks, and each declared freq is refreshed on the exact
// subset of ticks its divisor pairing selects. The tick loop is one
// self-re-arming timer rather than a time.Ticker, since the delay until
// the next tick depends on how long the previous one took.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/datamap"
	"github.com/moduledb/modbusdb/executor"
	"github.com/moduledb/modbusdb/mlog"
	"github.com/moduledb/modbusdb/regkey"
)

const (
	minRoundSize = 12
	maxRoundSize = 36
	minInterval  = 60 * time.Second
	maxInterval  = 3600 * time.Second
)

// ClampRoundSize clamps a user-supplied round size to [12, 36].
func ClampRoundSize(n uint) uint {
	if n < minRoundSize {
		return minRoundSize
	}
	if n > maxRoundSize {
		return maxRoundSize
	}
	return n
}

// ClampInterval clamps a user-supplied round interval to [60s, 3600s].
func ClampInterval(d time.Duration) time.Duration {
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}

// divisors returns the divisors of n in ascending order.
func divisors(n uint) []uint {
	var d []uint
	for i := uint(1); i <= n; i++ {
		if n%i == 0 {
			d = append(d, i)
		}
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	return d
}

// divisorMap pairs each divisor of roundSize with the divisor at the
// mirrored position in the ascending list: divMap[d[i]] = d[n-1-i].
func divisorMap(roundSize uint) map[uint]uint {
	d := divisors(roundSize)
	m := make(map[uint]uint, len(d))
	for i, v := range d {
		m[v] = d[len(d)-1-i]
	}
	return m
}

// Scheduler drives a periodic poll of the datamap's watched entries across
// roundSize ticks per interval, dispatching one LOW priority read Select
// per tick group through the executor.
type Scheduler struct {
	dm       *datamap.Datamap
	exec     *executor.Executor
	timeout  time.Duration
	logger   mlog.Logger
	interval time.Duration
	roundCfg uint
	divMap   map[uint]uint
	divs     []uint

	mu        sync.Mutex
	timer     *time.Timer
	tick      uint
	round     uint
	destroyed bool

	listenersMu sync.Mutex
	onTick      []func()
}

// New builds a Scheduler bound to dm and exec. interval and roundSize are
// clamped before use.
func New(dm *datamap.Datamap, exec *executor.Executor, interval time.Duration, roundSize uint, timeout time.Duration, logger mlog.Logger) *Scheduler {
	if logger == nil {
		logger = mlog.Nop
	}

	rs := ClampRoundSize(roundSize)
	return &Scheduler{
		dm:       dm,
		exec:     exec,
		timeout:  timeout,
		logger:   logger,
		interval: ClampInterval(interval),
		roundCfg: rs,
		divMap:   divisorMap(rs),
		divs:     divisors(rs),
	}
}

// OnTick registers a callback fired at the start of every tick.
func (s *Scheduler) OnTick(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onTick = append(s.onTick, fn)
}

func (s *Scheduler) emitTick() {
	s.listenersMu.Lock()
	fns := append([]func(){}, s.onTick...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// tickDuration is the round interval divided by roundSize, floored to
// whole seconds.
func (s *Scheduler) tickDuration() time.Duration {
	secs := int64(s.interval/time.Second) / int64(s.roundCfg)
	return time.Duration(secs) * time.Second
}

// Start arms the first tick.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.timer = time.AfterFunc(s.tickDuration(), s.runTick)
}

// Destroy cancels the pending timer; any in-flight tick still finishes.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyed = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Scheduler) runTick() {
	start := time.Now()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	t := s.tick
	s.mu.Unlock()

	s.emitTick()

	keys := s.keysDueAt(t)
	if len(keys) > 0 {
		s.dispatch(keys)
	}

	s.mu.Lock()
	s.tick++
	if s.tick >= s.roundCfg {
		s.tick = 0
		s.round++
	}
	destroyed := s.destroyed
	s.mu.Unlock()

	if destroyed {
		return
	}

	elapsed := time.Since(start)
	delay := s.tickDuration() - elapsed
	if delay < time.Second {
		delay = time.Second
	}

	s.mu.Lock()
	if !s.destroyed {
		s.timer = time.AfterFunc(delay, s.runTick)
	}
	s.mu.Unlock()
}

// keysDueAt collects the union of watched keys for every freq bucket due
// at tick t.
func (s *Scheduler) keysDueAt(t uint) []regkey.Key {
	seen := make(map[regkey.Key]struct{})
	var keys []regkey.Key

	for _, d := range s.divs {
		if (t+1)%d != 0 {
			continue
		}
		freq := s.divMap[d]
		for _, k := range s.dm.Watched(freq) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	return keys
}

// dispatch groups keys into minimal Selects and enqueues one LOW priority
// read per Select, not waiting for any of them to complete before the tick
// loop re-arms.
func (s *Scheduler) dispatch(keys []regkey.Key) {
	selects, err := s.dm.SelectAll(core.Read, keys)
	if err != nil {
		s.logger.Errorf("scheduler: planning watched keys failed: %s", err)
		return
	}

	for _, sel := range selects {
		sel := sel
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()

			if _, err := s.exec.Request(ctx, core.Read, sel, core.Low, s.timeout, nil); err != nil {
				s.logger.Debugf("scheduler: watched read on unit %d failed: %s", sel.Unit, err)
			}
		}()
	}
}
