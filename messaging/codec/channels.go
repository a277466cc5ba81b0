package codec

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"cloakroom/engine/library"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChannelMeta is the kind 40/41 content payload.
type ChannelMeta struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
}

func ParseChannelMeta(content string) (meta ChannelMeta, ok bool) {
	if err := json.UnmarshalFromString(content, &meta); err != nil {
		return ChannelMeta{}, false
	}
	return meta, true
}

// ChannelCreate returns a signed kind-40 event. The event id becomes
// the room id and the signer its owner.
func ChannelCreate(w library.Wallet, meta ChannelMeta) (nostr.Event, error) {
	content, err := json.MarshalToString(meta)
	if err != nil {
		return nostr.Event{}, err
	}
	e := Template(w.Account, KindChannelCreate, content, nostr.Tags{}, nostr.Now())
	if err = Sign(&e, w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}

// ChannelMetadata returns a signed kind-41 update carrying the meta and
// the full member list as p tags. Receivers apply membership
// last-write-wins by created_at.
func ChannelMetadata(w library.Wallet, roomID library.RoomID, meta ChannelMeta, members []library.Account) (nostr.Event, error) {
	content, err := json.MarshalToString(meta)
	if err != nil {
		return nostr.Event{}, err
	}
	tags := nostr.Tags{{"e", roomID, "", "root"}}
	for _, member := range members {
		if err = ValidatePublicKey(member); err != nil {
			return nostr.Event{}, err
		}
		tags = append(tags, nostr.Tag{"p", member})
	}
	e := Template(w.Account, KindChannelMetadata, content, tags, nostr.Now())
	if err = Sign(&e, w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}

// ChannelMessage returns a signed kind-42 event carrying an encoded
// envelope (or bare text) for the room.
func ChannelMessage(w library.Wallet, roomID library.RoomID, content string) (nostr.Event, error) {
	e := Template(w.Account, KindChannelMessage, content, nostr.Tags{{"e", roomID, "", "root"}}, nostr.Now())
	if err := Sign(&e, w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}
