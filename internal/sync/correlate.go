package sync

import (
	"fmt"
	"strings"

	"github.com/aferraz/cmsync/internal/store"
)

// Correlator derives the matching key used to pair a not-yet-synced local
// message with its later remote counterpart when no shared identifier
// exists (plain SMS). It is a heuristic: two messages to the same contact
// in the same direction collide, and the most recent unsynced candidate
// wins.
func Correlator(kind store.MessageKind, incoming bool, contact string) string {
	dir := store.DirectionOut
	if incoming {
		dir = store.DirectionIn
	}
	return fmt.Sprintf("%s:%s:%s", kind, dir, normalizeAddress(contact))
}

// ConversationKey names the conversation (and its remote folder) for a
// 1-to-1 contact address.
func ConversationKey(contact string) string {
	return "contact/" + normalizeAddress(contact)
}

// GroupConversationKey names the conversation for a group contribution.
func GroupConversationKey(contributionID string) string {
	return "group/" + contributionID
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	// Strip visual separators so "+1 555-123" and "+1555123" correlate.
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, addr)
}
