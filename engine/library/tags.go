package library

import (
	"github.com/nbd-wtf/go-nostr"
)

func GetFirstTag(e nostr.Event, key string) (string, bool) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{key}) {
			return tag.Value(), true
		}
	}
	return "", false
}

func GetAllTags(e nostr.Event, key string) (values []string) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{key}) {
			values = append(values, tag.Value())
		}
	}
	return
}

// GetReferencedEvent returns the first "e" tag with a 64-hex value.
func GetReferencedEvent(e nostr.Event) (Sha256, bool) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{"e"}) && len(tag.Value()) == 64 {
			return tag.Value(), true
		}
	}
	return "", false
}

// GetRecipient returns the first "p" tag with a 64-hex value.
func GetRecipient(e nostr.Event) (Account, bool) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{"p"}) && len(tag.Value()) == 64 {
			return tag.Value(), true
		}
	}
	return "", false
}
