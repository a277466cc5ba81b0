// Package eventconductor wires the messaging engine together: one
// instance per local identity, owning the connection pool, the standing
// subscriptions, in-flight delivery trackers and the seen-event set.
package eventconductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"

	"cloakroom/engine/library"
	"cloakroom/messaging/codec"
	"cloakroom/messaging/delivery"
	"cloakroom/messaging/envelope"
	"cloakroom/messaging/media"
	"cloakroom/messaging/relays"
	"cloakroom/messaging/subscriptions"
)

// ErrMembershipDenied is raised synchronously, before any network I/O,
// when the local identity is not listed in a room whose membership is
// known.
var ErrMembershipDenied = errors.New("eventconductor: not a member of this room")

const typingExpiry = 2 * time.Second

type Options struct {
	Relays      []string
	PowEnabled  bool
	PowBudget   time.Duration
	InlineLimit int
	AutoResolve bool
}

// OptionsFromConfig maps the viper keys set up by actors.InitConfig.
func OptionsFromConfig(conf *viper.Viper) Options {
	return Options{
		Relays:      conf.GetStringSlice("relays"),
		PowEnabled:  conf.GetBool("powEnabled"),
		PowBudget:   time.Duration(conf.GetInt("powBudgetSeconds")) * time.Second,
		InlineLimit: conf.GetInt("inlineLimitBytes"),
		AutoResolve: conf.GetBool("autoResolve"),
	}
}

type Engine struct {
	wallet   library.Wallet
	stores   Stores
	pool     *relays.Pool
	subs     *subscriptions.Manager
	resolver *envelope.Resolver
	policy   delivery.Policy

	inbound  chan *nostr.Event
	seen     *xsync.MapOf[library.Sha256, struct{}]
	outbound *xsync.MapOf[library.Sha256, struct{}]

	mu       deadlock.Mutex
	relayset []string
}

func New(w library.Wallet, stores Stores, blobs media.Store, opts Options) *Engine {
	inbound := make(chan *nostr.Event, 64)
	return &Engine{
		wallet:   w,
		stores:   stores,
		pool:     relays.NewPool(),
		subs:     subscriptions.NewManager(w, inbound),
		resolver: envelope.NewResolver(blobs, opts.InlineLimit, opts.AutoResolve),
		policy:   delivery.Policy{PowEnabled: opts.PowEnabled, PowBudget: opts.PowBudget},
		inbound:  inbound,
		seen:     xsync.NewMapOf[library.Sha256, struct{}](),
		outbound: xsync.NewMapOf[library.Sha256, struct{}](),
		relayset: opts.Relays,
	}
}

// Start connects the relay set and runs the dispatch loop until ctx
// ends. Every connection, now or after a reset, gets the standing
// subscriptions reissued through the pool's connect hook.
func (e *Engine) Start(ctx context.Context) {
	e.pool.OnConnect(func(conn *relays.Connection) {
		e.subs.Start(ctx, conn)
	})
	e.pool.Get(ctx, e.relaySet())
	go e.dispatch(ctx)
}

func (e *Engine) Close() {
	e.pool.Close()
}

func (e *Engine) Wallet() library.Wallet { return e.wallet }

// ResetRelays tears down every connection and reconnects to the new
// address set.
func (e *Engine) ResetRelays(ctx context.Context, urls []string) {
	e.mu.Lock()
	e.relayset = append([]string(nil), urls...)
	e.mu.Unlock()
	e.pool.Reset(ctx, urls)
}

// FocusRoom rewrites the shared room subscription on every connection.
func (e *Engine) FocusRoom(ctx context.Context, room library.RoomID) {
	conns := e.pool.All()
	targets := make([]subscriptions.Conn, 0, len(conns))
	for _, conn := range conns {
		targets = append(targets, conn)
	}
	e.subs.FocusRoom(ctx, room, targets)
}

// SendDirectMessage packs, seals, signs and broadcasts a direct message
// and returns its event id. Delivery progress arrives through the store
// collaborator.
func (e *Engine) SendDirectMessage(ctx context.Context, recipient library.Account, text string, attachments []envelope.Attachment, passphrase string) (library.Sha256, error) {
	if err := codec.ValidatePublicKey(recipient); err != nil {
		return "", err
	}
	env, err := e.resolver.Pack(ctx, text, attachments, passphrase)
	if err != nil {
		return "", err
	}
	ev, err := codec.SealDirectMessage(e.wallet, recipient, env)
	if err != nil {
		return "", err
	}
	e.stores.AddMessage(Message{
		ID:        ev.ID,
		Peer:      recipient,
		Author:    e.wallet.Account,
		Text:      text,
		CreatedAt: int64(ev.CreatedAt),
		Mine:      true,
		State:     library.StatePending,
	})
	e.trackDelivery(ctx, ev)
	return ev.ID, nil
}

// SendRoomMessage behaves like SendDirectMessage for a channel. The
// membership check happens before any attachment upload or publish.
// The envelope, passphrase included, travels as plain kind-42 content:
// attachment encryption here shields the media backend from the bytes,
// not the attachment from channel readers.
func (e *Engine) SendRoomMessage(ctx context.Context, room library.RoomID, text string, attachments []envelope.Attachment, passphrase string) (library.Sha256, error) {
	if err := e.checkMembership(room, e.wallet.Account); err != nil {
		return "", err
	}
	env, err := e.resolver.Pack(ctx, text, attachments, passphrase)
	if err != nil {
		return "", err
	}
	content, err := env.Encode()
	if err != nil {
		return "", err
	}
	ev, err := codec.ChannelMessage(e.wallet, room, content)
	if err != nil {
		return "", err
	}
	e.stores.AddMessage(Message{
		ID:        ev.ID,
		Room:      room,
		Author:    e.wallet.Account,
		Text:      text,
		CreatedAt: int64(ev.CreatedAt),
		Mine:      true,
		State:     library.StatePending,
	})
	e.trackDelivery(ctx, ev)
	return ev.ID, nil
}

// SendTyping broadcasts an ephemeral presence event, fire-and-forget.
func (e *Engine) SendTyping(ctx context.Context, recipient library.Account) error {
	ev, err := codec.Typing(e.wallet, recipient)
	if err != nil {
		return err
	}
	e.broadcastBestEffort(ctx, ev)
	return nil
}

// CreateRoom publishes the channel-create event and the initial
// metadata carrying the member list. The create event's id is the room
// id.
func (e *Engine) CreateRoom(ctx context.Context, meta codec.ChannelMeta, members []library.Account) (library.RoomID, error) {
	ev, err := codec.ChannelCreate(e.wallet, meta)
	if err != nil {
		return "", err
	}
	room := ev.ID
	members = withAccount(members, e.wallet.Account)
	e.stores.AddRoom(Room{ID: room, Owner: e.wallet.Account, Meta: meta})
	e.stores.SetOwner(room, e.wallet.Account)
	e.stores.SetMembersIfNewer(room, members, int64(ev.CreatedAt))
	e.broadcastBestEffort(ctx, ev)
	return room, e.publishRoomMeta(ctx, room, meta, members, int64(ev.CreatedAt)+1)
}

// UpdateRoom publishes fresh metadata and membership for an owned room.
func (e *Engine) UpdateRoom(ctx context.Context, room library.RoomID, meta codec.ChannelMeta, members []library.Account) error {
	if owner, known := e.stores.Owner(room); known && owner != e.wallet.Account {
		return ErrMembershipDenied
	}
	members = withAccount(members, e.wallet.Account)
	return e.publishRoomMeta(ctx, room, meta, members, time.Now().Unix())
}

func (e *Engine) publishRoomMeta(ctx context.Context, room library.RoomID, meta codec.ChannelMeta, members []library.Account, createdAt int64) error {
	ev, err := codec.ChannelMetadata(e.wallet, room, meta, members)
	if err != nil {
		return err
	}
	e.stores.SetRoomMeta(room, meta)
	e.stores.SetMembersIfNewer(room, members, createdAt)
	e.broadcastBestEffort(ctx, ev)
	return nil
}

// trackDelivery hands a signed event to a delivery tracker running in
// the background; terminal state and id changes flow back into the
// store collaborator.
func (e *Engine) trackDelivery(ctx context.Context, ev nostr.Event) {
	e.outbound.Store(ev.ID, struct{}{})
	// already surfaced locally; relays echoing it back must not produce
	// a second AddMessage
	e.seen.Store(ev.ID, struct{}{})
	conns := e.pool.Get(ctx, e.relaySet())
	publishers := make([]delivery.Publisher, 0, len(conns))
	for _, conn := range conns {
		publishers = append(publishers, conn)
	}
	cb := delivery.Callbacks{
		OnState: func(id library.Sha256, state library.DeliveryState, reason string) {
			e.stores.UpdateMessageStatus(id, state, reason)
		},
		OnReplace: func(oldID, newID library.Sha256) {
			e.outbound.Delete(oldID)
			e.outbound.Store(newID, struct{}{})
			e.seen.Store(newID, struct{}{})
			e.stores.UpdateMessageID(oldID, newID)
		},
	}
	go delivery.Track(ctx, ev, publishers, e.wallet, e.policy, cb)
}

// broadcastBestEffort fans an event out to every connection without
// acknowledgment tracking.
func (e *Engine) broadcastBestEffort(ctx context.Context, ev nostr.Event) {
	for _, conn := range e.pool.Get(ctx, e.relaySet()) {
		go func(conn *relays.Connection) {
			attempt, cancel := context.WithTimeout(ctx, 7*time.Second)
			defer cancel()
			if err := conn.Publish(attempt, ev); err != nil {
				library.LogCLI(fmt.Sprintf("best-effort publish of %s to %s failed: %s", ev.ID, conn.URL, err.Error()), 3)
			}
		}(conn)
	}
}

func (e *Engine) checkMembership(room library.RoomID, account library.Account) error {
	members, known := e.stores.Membership(room)
	if !known {
		return nil
	}
	for _, member := range members {
		if member == account {
			return nil
		}
	}
	return ErrMembershipDenied
}

func (e *Engine) relaySet() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.relayset...)
}

func withAccount(members []library.Account, account library.Account) []library.Account {
	for _, member := range members {
		if member == account {
			return members
		}
	}
	return append(append([]library.Account(nil), members...), account)
}
