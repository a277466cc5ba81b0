// Package codec builds, signs, seals and verifies protocol events. It is
// pure: no I/O, no clocks except where the caller hands one in via the
// created_at argument.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"cloakroom/engine/library"
)

// Event kinds this engine recognizes. Direct messages and channels
// follow NIP-04 and NIP-28; typing sits in the ephemeral range so
// relays never store presence; the delivery receipt kind is our own and
// lives in the stored range so receipts reach offline senders.
const (
	KindDirectMessage   = 4
	KindChannelCreate   = 40
	KindChannelMetadata = 41
	KindChannelMessage  = 42
	KindDeliveryReceipt = 13791
	KindTyping          = 20013
)

var ErrInvalidKey = errors.New("codec: not a valid 64-hex x-only public key")

// Template assembles an unsigned event. Identical inputs always produce
// an identical template; created_at stays under caller control so
// proof-of-work remining can vary it.
func Template(pubkey library.Account, kind int, content string, tags nostr.Tags, createdAt nostr.Timestamp) nostr.Event {
	return nostr.Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// Sign computes the canonical id and schnorr signature in place.
func Sign(e *nostr.Event, privateKey string) error {
	return e.Sign(privateKey)
}

// Verify reports whether the event id matches its contents and the
// signature matches the id.
func Verify(e *nostr.Event) bool {
	ok, err := e.CheckSignature()
	return err == nil && ok
}

// ValidatePublicKey rejects anything that is not a parseable x-only
// schnorr public key. Called before any network I/O on a send path.
func ValidatePublicKey(pubkey library.Account) error {
	if !nostr.IsValidPublicKeyHex(pubkey) {
		return ErrInvalidKey
	}
	b, err := hex.DecodeString(pubkey)
	if err != nil {
		return ErrInvalidKey
	}
	if _, err = schnorr.ParsePubKey(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidKey, err.Error())
	}
	return nil
}

// SealDirectMessage encrypts an envelope to the recipient with the
// NIP-04 shared secret and returns the signed kind-4 event.
func SealDirectMessage(w library.Wallet, recipient library.Account, env library.Envelope) (nostr.Event, error) {
	content, err := env.Encode()
	if err != nil {
		return nostr.Event{}, err
	}
	return sealRaw(w, recipient, content)
}

// OpenDirectMessage decrypts a kind-4 event addressed to or sent by us
// and classifies the payload.
func OpenDirectMessage(w library.Wallet, e nostr.Event) (library.Envelope, error) {
	plaintext, err := OpenDirectMessagePlaintext(w, e)
	if err != nil {
		return library.Envelope{}, err
	}
	return library.ParseEnvelope(plaintext), nil
}

// OpenDirectMessagePlaintext decrypts without classifying, for callers
// that need to recognize receipt payloads before envelope parsing.
func OpenDirectMessagePlaintext(w library.Wallet, e nostr.Event) (string, error) {
	return openRaw(w, e)
}

func sealRaw(w library.Wallet, recipient library.Account, plaintext string) (nostr.Event, error) {
	if err := ValidatePublicKey(recipient); err != nil {
		return nostr.Event{}, err
	}
	shared, err := nip04.ComputeSharedSecret(recipient, w.PrivateKey)
	if err != nil {
		return nostr.Event{}, err
	}
	ciphertext, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return nostr.Event{}, err
	}
	e := Template(w.Account, KindDirectMessage, ciphertext, nostr.Tags{{"p", recipient}}, nostr.Now())
	if err = Sign(&e, w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}

func openRaw(w library.Wallet, e nostr.Event) (string, error) {
	counterparty := e.PubKey
	if counterparty == w.Account {
		// our own copy delivered back to us; the shared secret is with
		// the recipient instead
		recipient, ok := library.GetRecipient(e)
		if !ok {
			return "", fmt.Errorf("codec: direct message %s has no recipient tag", e.ID)
		}
		counterparty = recipient
	}
	shared, err := nip04.ComputeSharedSecret(counterparty, w.PrivateKey)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(e.Content, shared)
}

// Typing returns a signed ephemeral presence event for the recipient.
func Typing(w library.Wallet, recipient library.Account) (nostr.Event, error) {
	if err := ValidatePublicKey(recipient); err != nil {
		return nostr.Event{}, err
	}
	e := Template(w.Account, KindTyping, "", nostr.Tags{{"p", recipient}}, nostr.Now())
	if err := Sign(&e, w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}
