// Package subscriptions derives the engine's standing relay filters and
// keeps the focused room subscription current. Identifiers embed the
// purpose, a short pubkey prefix and a random nonce so concurrent
// sessions over the same identity never collide.
package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"

	"cloakroom/engine/library"
	"cloakroom/messaging/codec"
)

// Conn is the slice of a relay connection the manager needs: issuing a
// labelled REQ cancels any previous subscription under the same label.
type Conn interface {
	Addr() string
	Subscribe(ctx context.Context, id string, filters []nostr.Filter) (*nostr.Subscription, error)
}

// Purposes of the standing subscriptions issued per identity.
const (
	PurposeInbox    = "inbox"
	PurposeTyping   = "typing"
	PurposeChanMeta = "chanmeta"
	PurposeReceipts = "receipts"
	PurposeRoom     = "room"
)

// roomWindow is how far back the focused room subscription reaches.
const roomWindow = 7 * 24 * time.Hour

// NewSubID builds "<purpose>:<short-local-pubkey>:<random>".
func NewSubID(purpose string, account library.Account) string {
	short := account
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s:%s:%s", purpose, short, uuid.NewString()[:8])
}

type Manager struct {
	mu     deadlock.Mutex
	wallet library.Wallet
	out    chan<- *nostr.Event

	ids         map[string]string
	roomID      string
	currentRoom library.RoomID
}

// NewManager feeds every matched event into out, the engine's single
// inbound channel.
func NewManager(w library.Wallet, out chan<- *nostr.Event) *Manager {
	ids := make(map[string]string)
	for _, purpose := range []string{PurposeInbox, PurposeTyping, PurposeChanMeta, PurposeReceipts} {
		ids[purpose] = NewSubID(purpose, w.Account)
	}
	return &Manager{
		wallet: w,
		out:    out,
		ids:    ids,
		// one identifier reused across relays, rewritten per room change
		roomID: NewSubID(PurposeRoom, w.Account),
	}
}

// StandingFilters returns the always-on filters per purpose. The inbox
// issues two physically separate filters because relays have no OR
// between authors and tag references.
func (m *Manager) StandingFilters() map[string][]nostr.Filter {
	me := m.wallet.Account
	return map[string][]nostr.Filter{
		PurposeInbox: {
			{Kinds: []int{codec.KindDirectMessage}, Authors: []string{me}},
			{Kinds: []int{codec.KindDirectMessage}, Tags: nostr.TagMap{"p": []string{me}}},
		},
		PurposeTyping: {
			{Kinds: []int{codec.KindTyping}, Tags: nostr.TagMap{"p": []string{me}}},
		},
		// global on purpose: one filter per joined room would explode
		PurposeChanMeta: {
			{Kinds: []int{codec.KindChannelCreate, codec.KindChannelMetadata}},
		},
		PurposeReceipts: {
			{Kinds: []int{codec.KindDeliveryReceipt}, Tags: nostr.TagMap{"p": []string{me}}},
		},
	}
}

// RoomFilter scopes the focused room to its recent history.
func (m *Manager) RoomFilter(room library.RoomID) []nostr.Filter {
	since := nostr.Timestamp(time.Now().Add(-roomWindow).Unix())
	return []nostr.Filter{{
		Kinds: []int{codec.KindChannelMessage},
		Tags:  nostr.TagMap{"e": []string{room}},
		Since: &since,
	}}
}

// Start (re)issues every standing subscription, and the focused room if
// one is selected, against a single connection. Called for each newly
// opened connection.
func (m *Manager) Start(ctx context.Context, conn Conn) {
	m.mu.Lock()
	room := m.currentRoom
	m.mu.Unlock()
	for purpose, filters := range m.StandingFilters() {
		m.issue(ctx, conn, m.ids[purpose], filters)
	}
	if room != "" {
		m.issue(ctx, conn, m.roomID, m.RoomFilter(room))
	}
}

// FocusRoom rewrites the shared room subscription on every given
// connection. The previous filter is cancelled per connection before
// the new one takes its place; refocusing the same room is a no-op.
func (m *Manager) FocusRoom(ctx context.Context, room library.RoomID, conns []Conn) {
	m.mu.Lock()
	if m.currentRoom == room {
		m.mu.Unlock()
		return
	}
	m.currentRoom = room
	m.mu.Unlock()
	for _, conn := range conns {
		m.issue(ctx, conn, m.roomID, m.RoomFilter(room))
	}
}

func (m *Manager) issue(ctx context.Context, conn Conn, id string, filters []nostr.Filter) {
	sub, err := conn.Subscribe(ctx, id, filters)
	if err != nil {
		library.LogCLI(fmt.Sprintf("subscription %s on %s failed: %s", id, conn.Addr(), err.Error()), 2)
		return
	}
	go m.pump(ctx, conn.Addr(), id, sub)
}

// pump drains one subscription into the engine's inbound channel until
// the subscription or context ends.
func (m *Manager) pump(ctx context.Context, url, id string, sub *nostr.Subscription) {
	eose := sub.EndOfStoredEvents
	for {
		select {
		case <-ctx.Done():
			sub.Unsub()
			return
		case <-eose:
			// closed once; nil it out so the select stops firing
			library.LogCLI(fmt.Sprintf("EOSE for %s on %s", id, url), 3)
			eose = nil
		case e, ok := <-sub.Events:
			if !ok || e == nil {
				return
			}
			select {
			case m.out <- e:
			case <-ctx.Done():
				sub.Unsub()
				return
			}
		}
	}
}
