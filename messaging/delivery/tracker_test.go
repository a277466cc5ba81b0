package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloakroom/engine/library"
)

func signedEvent(t *testing.T) (nostr.Event, library.Wallet) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	e := nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      4,
		Tags:      nostr.Tags{{"p", pk}},
		Content:   "payload",
	}
	require.NoError(t, e.Sign(sk))
	return e, library.Wallet{PrivateKey: sk, Account: pk}
}

// fakeRelay pops one scripted response per publish; the last one
// repeats for any further attempts.
type fakeRelay struct {
	addr      string
	mu        sync.Mutex
	responses []error
	published []nostr.Event
}

func (f *fakeRelay) Addr() string { return f.addr }

func (f *fakeRelay) Publish(ctx context.Context, e nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, e)
	if len(f.responses) == 0 {
		return nil
	}
	err := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return err
}

func (f *fakeRelay) seen() []nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nostr.Event(nil), f.published...)
}

type transition struct {
	id     library.Sha256
	state  library.DeliveryState
	reason string
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
	replaced    [][2]library.Sha256
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnState: func(id library.Sha256, state library.DeliveryState, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, transition{id, state, reason})
		},
		OnReplace: func(oldID, newID library.Sha256) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.replaced = append(r.replaced, [2]library.Sha256{oldID, newID})
		},
	}
}

func (r *recorder) byState(state library.DeliveryState) []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transition
	for _, tr := range r.transitions {
		if tr.state == state {
			out = append(out, tr)
		}
	}
	return out
}

func shortTimings(t *testing.T, delays []time.Duration, final time.Duration) {
	t.Helper()
	prevDelays, prevFinal := resendDelays, finalTimeout
	resendDelays, finalTimeout = delays, final
	t.Cleanup(func() {
		resendDelays, finalTimeout = prevDelays, prevFinal
	})
}

func TestParsePowRequirement(t *testing.T) {
	for reason, want := range map[string]int{
		"pow: difficulty 28 is less than 30": 30,
		"pow: difficulty 0 is less than 24":  24,
		"difficulty 2 is less than 16":       16,
		"blocked: needs difficulty 25":       25,
		"pow: 20 bits required":              20,
		"PoW required: 16":                   16,
	} {
		bits, ok := ParsePowRequirement(reason)
		assert.True(t, ok, reason)
		assert.Equal(t, want, bits, reason)
	}
	for _, reason := range []string{"blocked: spam", "rate-limited: slow down", ""} {
		_, ok := ParsePowRequirement(reason)
		assert.False(t, ok, reason)
	}
}

func TestMineMeetsTargetAndResigns(t *testing.T) {
	e, w := signedEvent(t)
	mined, err := Mine(e, w, 8, 5*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, nip13.Difficulty(mined.ID), 8)
	assert.Equal(t, e.Content, mined.Content)
	assert.NotEqual(t, e.ID, mined.ID)
	ok, err := mined.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMineStripsStaleNonceTags(t *testing.T) {
	e, w := signedEvent(t)
	e.Tags = append(e.Tags, nostr.Tag{"nonce", "12345", "8"})
	mined, err := Mine(e, w, 8, 5*time.Second)
	require.NoError(t, err)
	var nonces int
	for _, tag := range mined.Tags {
		if tag.StartsWith([]string{"nonce"}) {
			nonces++
		}
	}
	assert.Equal(t, 1, nonces)
}

func TestTrackFirstAcknowledgmentWins(t *testing.T) {
	e, w := signedEvent(t)
	rec := &recorder{}
	conns := []Publisher{
		&fakeRelay{addr: "wss://good.example"},
		&fakeRelay{addr: "wss://flaky.example", responses: []error{errors.New("connection reset")}},
	}
	state := Track(context.Background(), e, conns, w, Policy{}, rec.callbacks())
	assert.Equal(t, Acknowledged, state)

	sent := rec.byState(library.StateSent)
	require.Len(t, sent, 1)
	assert.Equal(t, e.ID, sent[0].id)
	assert.Empty(t, rec.byState(library.StateFailed))
}

func TestTrackWithoutConnectionsFailsImmediately(t *testing.T) {
	e, w := signedEvent(t)
	rec := &recorder{}
	state := Track(context.Background(), e, nil, w, Policy{}, rec.callbacks())
	assert.Equal(t, TimedOut, state)
	failed := rec.byState(library.StateFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].reason, "not connected")
}

func TestTrackMinesOnPowDemand(t *testing.T) {
	e, w := signedEvent(t)
	rec := &recorder{}
	relay := &fakeRelay{
		addr:      "wss://strict.example",
		responses: []error{errors.New("msg: pow: difficulty 4 is less than 8"), nil},
	}
	state := Track(context.Background(), e, []Publisher{relay}, w, Policy{PowEnabled: true, PowBudget: 5 * time.Second}, rec.callbacks())
	assert.Equal(t, Acknowledged, state)

	rec.mu.Lock()
	require.Len(t, rec.replaced, 1)
	oldID, newID := rec.replaced[0][0], rec.replaced[0][1]
	rec.mu.Unlock()
	assert.Equal(t, e.ID, string(oldID))
	assert.GreaterOrEqual(t, nip13.Difficulty(string(newID)), 8)

	sent := rec.byState(library.StateSent)
	require.Len(t, sent, 1)
	assert.Equal(t, newID, sent[0].id)

	published := relay.seen()
	require.Len(t, published, 2)
	assert.Equal(t, string(newID), published[1].ID)
}

func TestTrackPowDisabledFails(t *testing.T) {
	e, w := signedEvent(t)
	rec := &recorder{}
	relay := &fakeRelay{
		addr:      "wss://strict.example",
		responses: []error{errors.New("msg: pow: difficulty 8 required")},
	}
	state := Track(context.Background(), e, []Publisher{relay}, w, Policy{PowEnabled: false}, rec.callbacks())
	assert.Equal(t, RejectedOther, state)
	failed := rec.byState(library.StateFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].reason, "mining is disabled")
}

func TestTrackPersistentRejectionTimesOut(t *testing.T) {
	shortTimings(t, []time.Duration{30 * time.Millisecond}, 150*time.Millisecond)
	e, w := signedEvent(t)
	rec := &recorder{}
	relay := &fakeRelay{
		addr:      "wss://hostile.example",
		responses: []error{errors.New("msg: blocked: spam")},
	}
	state := Track(context.Background(), e, []Publisher{relay}, w, Policy{}, rec.callbacks())
	assert.Equal(t, TimedOut, state)

	failed := rec.byState(library.StateFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected by relay: blocked: spam", failed[0].reason)
	// at least one resend fit inside the shortened window
	assert.NotEmpty(t, rec.byState(library.StatePending))
}

func TestTrackSilentRelaysTimeOut(t *testing.T) {
	shortTimings(t, nil, 100*time.Millisecond)
	e, w := signedEvent(t)
	rec := &recorder{}
	relay := &fakeRelay{
		addr:      "wss://mute.example",
		responses: []error{errors.New("write: broken pipe")},
	}
	state := Track(context.Background(), e, []Publisher{relay}, w, Policy{}, rec.callbacks())
	assert.Equal(t, TimedOut, state)
	failed := rec.byState(library.StateFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "no relay acknowledgement", failed[0].reason)
}
