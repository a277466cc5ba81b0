package library

type Wallet struct {
	PrivateKey string
	SeedWords  string
	Account    Account
}

type Account = string

type RoomID = string

type Sha256 = string

// DeliveryState is the lifecycle of a locally-held outbound message.
// sent and delivered are never reverted to pending; pending -> pending
// repeats are allowed for status-message updates during mining or resend.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Supersedes reports whether moving from prev to next is a legal transition.
func (next DeliveryState) Supersedes(prev DeliveryState) bool {
	switch prev {
	case StatePending:
		return true
	case StateSent:
		return next == StateDelivered || next == StateFailed
	default:
		return false
	}
}
