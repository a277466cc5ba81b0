package codec

import (
	"github.com/nbd-wtf/go-nostr"

	"cloakroom/engine/library"
)

// receiptPayload is the decrypted envelope of the direct-message form
// of a delivery receipt.
type receiptPayload struct {
	R library.Sha256 `json:"r"`
}

// DirectReceipt acknowledges delivery of the original event as an
// encrypted direct message to its sender. Some relays drop unknown
// kinds, so this form rides on plain kind 4.
func DirectReceipt(w library.Wallet, sender library.Account, originalID library.Sha256) (nostr.Event, error) {
	payload, err := json.MarshalToString(receiptPayload{R: originalID})
	if err != nil {
		return nostr.Event{}, err
	}
	return sealRaw(w, sender, payload)
}

// TaggedReceipt is the plain, unencrypted receipt form for relays that
// do store custom kinds.
func TaggedReceipt(w library.Wallet, sender library.Account, originalID library.Sha256) (nostr.Event, error) {
	if err := ValidatePublicKey(sender); err != nil {
		return nostr.Event{}, err
	}
	tags := nostr.Tags{{"e", originalID}, {"p", sender}}
	e := Template(w.Account, KindDeliveryReceipt, "", tags, nostr.Now())
	if err := Sign(&e, w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}

// ParseReceiptPayload recognizes the decrypted {r: id} receipt envelope
// inside a direct message.
func ParseReceiptPayload(plaintext string) (library.Sha256, bool) {
	var p receiptPayload
	if err := json.UnmarshalFromString(plaintext, &p); err != nil {
		return "", false
	}
	if len(p.R) != 64 {
		return "", false
	}
	return p.R, true
}
