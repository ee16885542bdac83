package profiler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
)

// ErrNotRegistered is returned when stopping a token that was never started or was already stopped
var ErrNotRegistered = errors.New("profiling token is not registered")

// Token identifies one profiling measurement
type Token struct {
	ID uint64
}

// Clock returns the current instant
type Clock func() time.Time

type tokenState struct {
	start time.Time
	err   error
}

// TimestampProfiler measures wall-clock durations for devices that cannot time their own work.
// A device failure can be broadcast with Error, after which every open measurement reports that
// failure instead of a duration.
type TimestampProfiler struct {
	mutex   utils.OptionalMutex
	clock   Clock
	state   *swiss.Map[Token, tokenState]
	counter uint64
}

// NewTimestampProfiler creates a profiler. A nil clock selects time.Now, and a synchronized
// profiler may be used from several goroutines.
func NewTimestampProfiler(clock Clock, synchronized bool) *TimestampProfiler {
	if clock == nil {
		clock = time.Now
	}

	return &TimestampProfiler{
		mutex: utils.OptionalMutex{Enabled: synchronized},
		clock: clock,
		state: swiss.NewMap[Token, tokenState](8),
	}
}

// IsEmpty reports whether no measurement is open
func (p *TimestampProfiler) IsEmpty() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.state.Count() == 0
}

// Start opens a measurement
func (p *TimestampProfiler) Start() Token {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// The zero Token is never handed out
	p.counter++
	token := Token{ID: p.counter}
	p.state.Put(token, tokenState{start: p.clock()})
	return token
}

// Stop closes a measurement and returns its duration, or the error broadcast while it was open
func (p *TimestampProfiler) Stop(token Token) (time.Duration, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	state, ok := p.state.Get(token)
	if !ok {
		return 0, errors.Wrapf(ErrNotRegistered, "token %d", token.ID)
	}
	p.state.Delete(token)

	if state.err != nil {
		return 0, state.err
	}

	elapsed := p.clock().Sub(state.start)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, nil
}

// Error poisons every open measurement with err
func (p *TimestampProfiler) Error(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	tokens := make([]Token, 0, p.state.Count())
	p.state.Iter(func(token Token, _ tokenState) bool {
		tokens = append(tokens, token)
		return false
	})

	for _, token := range tokens {
		p.state.Put(token, tokenState{err: err})
	}
}
