// Package dispatcher serializes access to the vendor backend. The backend
// rejects overlapping requests on the same account, so every network
// operation for an account must hold that account's lock for the full
// request/response round trip. User commands may cut ahead of queued
// background work, but an operation that already holds the lock is never
// interrupted.
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mazda-community/carconnect/internal/log"
)

// Priority classifies a pending lock acquisition. Lower values jump the
// queue ahead of higher ones. Priority never preempts an in-flight request.
type Priority int

const (
	// Command is for direct user actions: door locks, engine start/stop,
	// HVAC, charging.
	Command Priority = iota
	// Status is for routine vehicle status polling.
	Status
	// HealthReport is for the lowest-urgency diagnostic fetches.
	HealthReport
)

func (p Priority) String() string {
	switch p {
	case Command:
		return "COMMAND"
	case Status:
		return "STATUS"
	case HealthReport:
		return "HEALTH_REPORT"
	}
	return "UNKNOWN"
}

// AccountLock serializes all requests for one account and lets Command
// priority acquisitions queue-jump background ones.
//
// A Command caller closes the "no command pending" gate before contending
// for the mutex; background callers wait for the gate to open before they
// start contending. The gate stays closed until every pending Command caller
// has acquired and released the lock (or abandoned the wait).
type AccountLock struct {
	account string

	sem chan struct{} // 1-buffered; holding the token means holding the lock

	mu              sync.Mutex
	noCommand       chan struct{} // closed while no Command caller is pending
	pendingCommands int
	held            bool
	holderLabel     string
	holderPriority  Priority
	acquiredAt      time.Time
}

func newAccountLock(account string) *AccountLock {
	gate := make(chan struct{})
	close(gate)
	return &AccountLock{
		account:   account,
		sem:       make(chan struct{}, 1),
		noCommand: gate,
	}
}

// Acquire blocks until the caller holds exclusive access for the account, or
// ctx expires. A cancelled wait leaves no state behind: the command-pending
// gate is reopened if this caller was the last pending Command.
func (l *AccountLock) Acquire(ctx context.Context, priority Priority, label string) error {
	if priority == Command {
		l.mu.Lock()
		l.pendingCommands++
		if l.pendingCommands == 1 {
			l.noCommand = make(chan struct{})
		}
		l.mu.Unlock()
		log.Debug("%s: command %s waiting for account lock", l.account, label)
	} else {
		l.mu.Lock()
		gate := l.noCommand
		l.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			log.Debug("%s: %s gave up waiting for pending commands: %s", l.account, label, ctx.Err())
			return ctx.Err()
		}
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		if priority == Command {
			l.commandDone()
		}
		log.Debug("%s: %s gave up waiting for account lock: %s", l.account, label, ctx.Err())
		return ctx.Err()
	}

	l.mu.Lock()
	l.held = true
	l.holderLabel = label
	l.holderPriority = priority
	l.acquiredAt = time.Now()
	l.mu.Unlock()
	log.Debug("%s: lock acquired by %s (%s)", l.account, label, priority)
	return nil
}

// Release returns the lock. Releasing a lock that is not held indicates a
// broken acquire/release pairing in the caller; it is reported and otherwise
// ignored rather than papered over.
func (l *AccountLock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		log.Error("%s: account lock released by non-holder", l.account)
		return
	}
	label := l.holderLabel
	wasCommand := l.holderPriority == Command
	heldFor := time.Since(l.acquiredAt)
	l.held = false
	l.holderLabel = ""
	l.mu.Unlock()

	<-l.sem
	if wasCommand {
		l.commandDone()
	}
	log.Debug("%s: lock released by %s after %s", l.account, label, heldFor.Round(time.Millisecond))
}

func (l *AccountLock) commandDone() {
	l.mu.Lock()
	l.pendingCommands--
	if l.pendingCommands == 0 {
		close(l.noCommand)
	}
	l.mu.Unlock()
}

// CommandPending reports whether a Command caller is waiting for or holding
// the lock.
func (l *AccountLock) CommandPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingCommands > 0
}

// Holder returns the label and priority of the current holder, if any.
func (l *AccountLock) Holder() (label string, priority Priority, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holderLabel, l.holderPriority, l.held
}

// Registry hands out one AccountLock per account, created lazily on first
// use and kept for the life of the process.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*AccountLock
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*AccountLock)}
}

// For returns the lock for an account identifier, normalizing case so that
// differently-cased spellings of one email share a serialization domain.
func (r *Registry) For(account string) *AccountLock {
	key := strings.ToLower(strings.TrimSpace(account))
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = newAccountLock(key)
		r.locks[key] = lock
	}
	return lock
}

var defaultRegistry = NewRegistry()

// For returns the process-wide lock for an account.
func For(account string) *AccountLock {
	return defaultRegistry.For(account)
}
