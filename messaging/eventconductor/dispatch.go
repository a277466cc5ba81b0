package eventconductor

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"cloakroom/engine/library"
	"cloakroom/messaging/codec"
)

// dispatch is the central inbound loop: one channel fed by every
// subscription on every connection, demultiplexed by event kind. A
// malformed or foreign event is logged and dropped, never allowed to
// halt the loop.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.inbound:
			if ev == nil {
				continue
			}
			sane := library.ValidateSaneExecutionTime()
			e.handleInbound(ctx, *ev)
			sane()
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, ev nostr.Event) {
	defer func() {
		if r := recover(); r != nil {
			library.LogCLI(fmt.Sprintf("recovered while handling event %s: %v", ev.ID, r), 1)
		}
	}()
	// the same event arrives once per relay carrying it
	if _, dup := e.seen.LoadOrStore(ev.ID, struct{}{}); dup {
		return
	}
	if !codec.Verify(&ev) {
		library.LogCLI(fmt.Sprintf("dropping event %s with invalid signature from %s", ev.ID, ev.PubKey), 2)
		return
	}
	switch ev.Kind {
	case codec.KindDirectMessage:
		e.handleDirectMessage(ctx, ev)
	case codec.KindTyping:
		e.handleTyping(ev)
	case codec.KindChannelCreate:
		e.handleChannelCreate(ev)
	case codec.KindChannelMetadata:
		e.handleChannelMetadata(ev)
	case codec.KindChannelMessage:
		e.handleChannelMessage(ctx, ev)
	case codec.KindDeliveryReceipt:
		e.handleTaggedReceipt(ev)
	default:
		library.LogCLI(fmt.Sprintf("no handler for kind %d (event %s)", ev.Kind, ev.ID), 3)
	}
}

func (e *Engine) handleDirectMessage(ctx context.Context, ev nostr.Event) {
	mine := ev.PubKey == e.wallet.Account
	peer := ev.PubKey
	if mine {
		recipient, ok := library.GetRecipient(ev)
		if !ok {
			return
		}
		peer = recipient
	}
	plaintext, err := codec.OpenDirectMessagePlaintext(e.wallet, ev)
	if err != nil {
		library.LogCLI(fmt.Sprintf("could not decrypt message %s from %s: %s", ev.ID, ev.PubKey, err.Error()), 3)
		e.stores.AddMessage(Message{
			ID:            ev.ID,
			Peer:          peer,
			Author:        ev.PubKey,
			CreatedAt:     int64(ev.CreatedAt),
			Mine:          mine,
			StatusMessage: "undecryptable",
		})
		return
	}
	// the receipt form piggybacked on a direct message
	if original, ok := codec.ParseReceiptPayload(plaintext); ok {
		if !mine {
			e.markDelivered(original)
		}
		return
	}
	env := library.ParseEnvelope(plaintext)
	e.stores.AddMessage(Message{
		ID:          ev.ID,
		Peer:        peer,
		Author:      ev.PubKey,
		Text:        env.Text,
		Attachments: e.resolver.Resolve(ctx, env),
		CreatedAt:   int64(ev.CreatedAt),
		Mine:        mine,
		State:       deliveryStateFor(mine),
	})
	if !mine {
		e.emitReceipts(ctx, ev.ID, ev.PubKey)
	}
}

func (e *Engine) handleTyping(ev nostr.Event) {
	if recipient, ok := library.GetRecipient(ev); !ok || recipient != e.wallet.Account {
		return
	}
	if ev.PubKey == e.wallet.Account {
		return
	}
	peer := ev.PubKey
	e.stores.SetTyping(peer, true)
	time.AfterFunc(typingExpiry, func() {
		e.stores.SetTyping(peer, false)
	})
}

func (e *Engine) handleChannelCreate(ev nostr.Event) {
	meta, ok := codec.ParseChannelMeta(ev.Content)
	if !ok {
		library.LogCLI(fmt.Sprintf("channel create %s carries unreadable metadata", ev.ID), 3)
		return
	}
	e.stores.AddRoom(Room{ID: ev.ID, Owner: ev.PubKey, Meta: meta})
	e.stores.SetOwner(ev.ID, ev.PubKey)
	e.stores.SetMembersIfNewer(ev.ID, []library.Account{ev.PubKey}, int64(ev.CreatedAt))
}

func (e *Engine) handleChannelMetadata(ev nostr.Event) {
	room, ok := library.GetReferencedEvent(ev)
	if !ok {
		return
	}
	if owner, known := e.stores.Owner(room); known && owner != ev.PubKey {
		library.LogCLI(fmt.Sprintf("ignoring metadata for %s from non-owner %s", room, ev.PubKey), 3)
		return
	}
	if meta, ok := codec.ParseChannelMeta(ev.Content); ok {
		e.stores.SetRoomMeta(room, meta)
	}
	if members := library.GetAllTags(ev, "p"); len(members) > 0 {
		// last write wins by created_at; the store ignores stale lists
		e.stores.SetMembersIfNewer(room, members, int64(ev.CreatedAt))
	}
}

func (e *Engine) handleChannelMessage(ctx context.Context, ev nostr.Event) {
	room, ok := library.GetReferencedEvent(ev)
	if !ok {
		return
	}
	// a sender outside a known member list is dropped without a trace
	if err := e.checkMembership(room, ev.PubKey); err != nil {
		return
	}
	env := library.ParseEnvelope(ev.Content)
	mine := ev.PubKey == e.wallet.Account
	e.stores.AddMessage(Message{
		ID:          ev.ID,
		Room:        room,
		Author:      ev.PubKey,
		Text:        env.Text,
		Attachments: e.resolver.Resolve(ctx, env),
		CreatedAt:   int64(ev.CreatedAt),
		Mine:        mine,
		State:       deliveryStateFor(mine),
	})
	if !mine {
		e.emitReceipts(ctx, ev.ID, ev.PubKey)
	}
}

func (e *Engine) handleTaggedReceipt(ev nostr.Event) {
	recipient, ok := library.GetRecipient(ev)
	if !ok || recipient != e.wallet.Account {
		return
	}
	if original, ok := library.GetReferencedEvent(ev); ok {
		e.markDelivered(original)
	}
}

// markDelivered transitions a self-sent message to delivered. A receipt
// referencing an id we never sent is a no-op.
func (e *Engine) markDelivered(original library.Sha256) {
	if _, ours := e.outbound.Load(original); !ours {
		return
	}
	e.stores.UpdateMessageStatus(original, library.StateDelivered, "")
}

// emitReceipts sends both receipt forms back to the sender,
// fire-and-forget: relays that drop one form should not prevent
// delivery confirmation via the other.
func (e *Engine) emitReceipts(ctx context.Context, original library.Sha256, sender library.Account) {
	if direct, err := codec.DirectReceipt(e.wallet, sender, original); err == nil {
		e.broadcastBestEffort(ctx, direct)
	} else {
		library.LogCLI(fmt.Sprintf("could not build direct receipt for %s: %s", original, err.Error()), 3)
	}
	if tagged, err := codec.TaggedReceipt(e.wallet, sender, original); err == nil {
		e.broadcastBestEffort(ctx, tagged)
	} else {
		library.LogCLI(fmt.Sprintf("could not build tagged receipt for %s: %s", original, err.Error()), 3)
	}
}

// deliveryStateFor: our own copy coming back from a relay proves it was
// accepted somewhere; everyone else's messages have no delivery
// lifecycle on our side.
func deliveryStateFor(mine bool) library.DeliveryState {
	if mine {
		return library.StateSent
	}
	return ""
}
