// ABOUTME: Per-scope loading flags with a hard ceiling
// ABOUTME: A flag that outlives its ceiling is cleared and logged, never left set
package engine

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type loadingTracker struct {
	ceiling time.Duration
	logger  *log.Logger

	mu     sync.Mutex
	next   uint64
	active map[string]map[uint64]*time.Timer
}

func newLoadingTracker(ceiling time.Duration, logger *log.Logger) *loadingTracker {
	return &loadingTracker{
		ceiling: ceiling,
		logger:  logger,
		active:  make(map[string]map[uint64]*time.Timer),
	}
}

// begin sets the flag for scope. The returned func clears it and is safe to call twice.
func (l *loadingTracker) begin(scope, op string) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	token := l.next
	if l.active[scope] == nil {
		l.active[scope] = make(map[uint64]*time.Timer)
	}
	l.active[scope][token] = time.AfterFunc(l.ceiling, func() {
		if l.clear(scope, token) {
			l.logger.Warn("loading state exceeded its ceiling, clearing", "scope", scope, "op", op, "ceiling", l.ceiling)
		}
	})
	return func() {
		l.clear(scope, token)
	}
}

func (l *loadingTracker) clear(scope string, token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	timer, ok := l.active[scope][token]
	if !ok {
		return false
	}
	timer.Stop()
	delete(l.active[scope], token)
	if len(l.active[scope]) == 0 {
		delete(l.active, scope)
	}
	return true
}

func (l *loadingTracker) loading(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active[scope]) > 0
}

func (l *loadingTracker) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tokens := range l.active {
		for _, timer := range tokens {
			timer.Stop()
		}
	}
	l.active = make(map[string]map[uint64]*time.Timer)
}
