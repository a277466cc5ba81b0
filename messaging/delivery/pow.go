package delivery

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"

	"cloakroom/engine/library"
)

// ErrMiningTimeout surfaces as a failed delivery with an explanatory
// reason; the search budget keeps the caller responsive.
var ErrMiningTimeout = errors.New("delivery: proof-of-work search exceeded its time budget")

// Relays phrase proof-of-work demands as free text, e.g.
// "pow: difficulty 0 is less than 24" or "blocked: needs difficulty 25".
var (
	powKeyword = regexp.MustCompile(`(?i)\b(?:pow|difficulty)\b`)
	powNumber  = regexp.MustCompile(`\d{1,3}`)
)

// ParsePowRequirement extracts the demanded difficulty from a rejection
// reason. The canonical phrasing names the event's current difficulty
// before the required one, so the required bits are the maximum of every
// number present once a pow keyword is.
func ParsePowRequirement(reason string) (bits int, ok bool) {
	if !powKeyword.MatchString(reason) {
		return 0, false
	}
	for _, match := range powNumber.FindAllString(reason, -1) {
		if n, err := strconv.Atoi(match); err == nil && n > bits {
			bits = n
		}
	}
	return bits, bits > 0
}

// Mine searches for an event id with at least target leading zero bits
// by varying created_at and a nonce tag, then re-signs. The input event
// is not modified.
func Mine(e nostr.Event, w library.Wallet, target int, budget time.Duration) (nostr.Event, error) {
	candidate := e
	candidate.Tags = withoutNonce(e.Tags)
	mined, err := nip13.Generate(&candidate, target, budget)
	if err != nil {
		if errors.Is(err, nip13.ErrGenerateTimeout) {
			return nostr.Event{}, ErrMiningTimeout
		}
		return nostr.Event{}, err
	}
	if err = mined.Sign(w.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return *mined, nil
}

// withoutNonce strips nonce tags left over from a previous mining round
// so remining never stacks them.
func withoutNonce(tags nostr.Tags) nostr.Tags {
	out := make(nostr.Tags, 0, len(tags))
	for _, tag := range tags {
		if tag.StartsWith([]string{"nonce"}) {
			continue
		}
		out = append(out, tag)
	}
	return out
}
