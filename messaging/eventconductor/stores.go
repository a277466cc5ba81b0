package eventconductor

import (
	"cloakroom/engine/library"
	"cloakroom/messaging/codec"
	"cloakroom/messaging/envelope"
)

// Message is the engine's view of one chat message handed to the store
// collaborator. Room is empty for direct messages; Peer is the
// counterparty for direct messages.
type Message struct {
	ID            library.Sha256
	Room          library.RoomID
	Peer          library.Account
	Author        library.Account
	Text          string
	Attachments   []envelope.Resolved
	CreatedAt     int64
	Mine          bool
	State         library.DeliveryState
	StatusMessage string
}

type Room struct {
	ID    library.RoomID
	Owner library.Account
	Meta  codec.ChannelMeta
}

// Stores is the UI/state collaborator boundary. The engine calls the
// mutators as pure side-effecting notifications and reads nothing back
// except membership and ownership.
type Stores interface {
	AddMessage(m Message)
	UpdateMessageStatus(id library.Sha256, state library.DeliveryState, reason string)
	UpdateMessageID(oldID, newID library.Sha256)
	SetTyping(peer library.Account, active bool)
	AddRoom(r Room)
	SetRoomMeta(id library.RoomID, meta codec.ChannelMeta)
	SetMembersIfNewer(id library.RoomID, members []library.Account, createdAt int64)
	SetOwner(id library.RoomID, owner library.Account)

	Membership(id library.RoomID) (members []library.Account, known bool)
	Owner(id library.RoomID) (owner library.Account, known bool)
}
