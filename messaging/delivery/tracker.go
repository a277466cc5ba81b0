// Package delivery tracks one outbound event's acknowledgment across
// all connections: first OK wins, scheduled resends while unacked,
// proof-of-work escalation on demand, and a terminal timeout with a
// human-readable reason.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"cloakroom/engine/library"
)

// State of one tracked delivery.
type State int

const (
	Pending State = iota
	Acknowledged
	RejectedPoWRequired
	RejectedOther
	TimedOut
)

// Publisher is the slice of a relay connection the tracker needs. A nil
// error means the relay acknowledged the event; an error prefixed with
// "msg: " carries a negative acknowledgment reason.
type Publisher interface {
	Addr() string
	Publish(ctx context.Context, e nostr.Event) error
}

type Policy struct {
	PowEnabled bool
	PowBudget  time.Duration
}

type Callbacks struct {
	// OnState reports user-visible delivery transitions. pending may
	// repeat with new status text; sent and failed arrive at most once.
	OnState func(id library.Sha256, state library.DeliveryState, reason string)
	// OnReplace reports the id change after a remine.
	OnReplace func(oldID, newID library.Sha256)
}

// Resend offsets from the start of tracking; the final timeout is
// strictly longer than the last one.
var resendDelays = []time.Duration{5 * time.Second, 15 * time.Second, 40 * time.Second}

var (
	finalTimeout   = 60 * time.Second
	attemptTimeout = 10 * time.Second
)

type publishResult struct {
	addr string
	err  error
}

// Track broadcasts the signed event and runs the acknowledgment state
// machine to a terminal state. It blocks; callers run it in a
// goroutine. There is no external cancellation beyond ctx.
func Track(ctx context.Context, e nostr.Event, conns []Publisher, w library.Wallet, pol Policy, cb Callbacks) State {
	if len(conns) == 0 {
		cb.OnState(e.ID, library.StateFailed, "not connected to any relay")
		return TimedOut
	}
	ctx, cancel := context.WithTimeout(ctx, finalTimeout)
	// reaching a terminal state cancels every listener and timer at once
	defer cancel()

	t := &tracker{
		event:   e,
		conns:   conns,
		wallet:  w,
		policy:  pol,
		cb:      cb,
		results: make(chan publishResult, len(conns)*(len(resendDelays)+2)),
	}
	return t.run(ctx)
}

type tracker struct {
	event      nostr.Event
	conns      []Publisher
	wallet     library.Wallet
	policy     Policy
	cb         Callbacks
	results    chan publishResult
	minedBits  int
	rejections int
	lastReason string
}

func (t *tracker) run(ctx context.Context) State {
	start := time.Now()
	t.broadcast(ctx)
	resends := 0
	for {
		var resend <-chan time.Time
		if resends < len(resendDelays) {
			resend = time.After(time.Until(start.Add(resendDelays[resends])))
		}
		select {
		case res := <-t.results:
			if res.err == nil {
				// first affirmative acknowledgment wins; everything else
				// is cancelled on return and later OKs go nowhere
				library.LogCLI(fmt.Sprintf("event %s acknowledged by %s", t.event.ID, res.addr), 3)
				t.cb.OnState(t.event.ID, library.StateSent, "")
				return Acknowledged
			}
			if state, done := t.handleRejection(ctx, res); done {
				return state
			}
		case <-resend:
			resends++
			t.cb.OnState(t.event.ID, library.StatePending, fmt.Sprintf("resending (%d/%d)", resends, len(resendDelays)))
			t.broadcast(ctx)
		case <-ctx.Done():
			reason := t.composeFailure()
			t.cb.OnState(t.event.ID, library.StateFailed, reason)
			return TimedOut
		}
	}
}

// handleRejection classifies one failed publish attempt. Transport
// errors are non-fatal noise; negative acknowledgments may demand
// proof of work.
func (t *tracker) handleRejection(ctx context.Context, res publishResult) (State, bool) {
	reason, isOK := okReason(res.err)
	if !isOK {
		library.LogCLI(fmt.Sprintf("publish to %s failed: %s", res.addr, res.err.Error()), 3)
		return Pending, false
	}
	t.rejections++
	t.lastReason = reason
	bits, wantsPow := ParsePowRequirement(reason)
	if !wantsPow || bits <= t.minedBits {
		library.LogCLI(fmt.Sprintf("%s rejected event %s: %s", res.addr, t.event.ID, reason), 3)
		return Pending, false
	}
	if !t.policy.PowEnabled {
		msg := fmt.Sprintf("%s requires %d-bit proof of work and mining is disabled", res.addr, bits)
		t.cb.OnState(t.event.ID, library.StateFailed, msg)
		return RejectedOther, true
	}
	t.cb.OnState(t.event.ID, library.StatePending, fmt.Sprintf("mining %d-bit proof of work", bits))
	mined, err := Mine(t.event, t.wallet, bits, t.policy.PowBudget)
	if err != nil {
		t.cb.OnState(t.event.ID, library.StateFailed, err.Error())
		return RejectedOther, true
	}
	t.cb.OnReplace(t.event.ID, mined.ID)
	t.event = mined
	t.minedBits = bits
	t.broadcast(ctx)
	return RejectedPoWRequired, false
}

// broadcast fans the current event out to every connection without
// waiting for stragglers.
func (t *tracker) broadcast(ctx context.Context) {
	e := t.event
	for _, conn := range t.conns {
		go func(conn Publisher) {
			attempt, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			err := conn.Publish(attempt, e)
			select {
			case t.results <- publishResult{addr: conn.Addr(), err: err}:
			case <-ctx.Done():
			}
		}(conn)
	}
}

func (t *tracker) composeFailure() string {
	if t.lastReason != "" {
		return "rejected by relay: " + t.lastReason
	}
	if t.rejections > 0 {
		return fmt.Sprintf("rejected by %d relay(s)", t.rejections)
	}
	return "no relay acknowledgement"
}

// okReason unpicks the "msg: <reason>" error a negative OK frame
// produces from plain transport failures.
func okReason(err error) (string, bool) {
	msg := err.Error()
	if reason, ok := strings.CutPrefix(msg, "msg: "); ok {
		return reason, true
	}
	return "", false
}
