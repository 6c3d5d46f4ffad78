// Package identity manages the stable per-device id, the human-readable
// device label derived from a user-agent string, and masked-email display
// formatting.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/basilsync/engine/capability"
)

// deviceIDKeySuffix is appended to the configured prefix to form the
// key-value store key holding the persistent device id
// (<prefix>_device_id, per spec.md §6).
const deviceIDKeySuffix = "_device_id"

// DeviceID returns this device's persistent id, minting and storing a new
// random UUID on first use. The id is never rotated once written.
func DeviceID(ctx context.Context, kv capability.KeyValueStore, prefix string) (string, error) {
	key := prefix + deviceIDKeySuffix
	if existing, ok, err := kv.Get(ctx, key); err != nil {
		return "", fmt.Errorf("identity: reading device id: %w", err)
	} else if ok && existing != "" {
		return existing, nil
	}

	id := uuid.NewString()
	if err := kv.Set(ctx, key, id); err != nil {
		return "", fmt.Errorf("identity: persisting device id: %w", err)
	}
	return id, nil
}

// uaRule is one entry of the device-label match table. Order matters:
// mobile OS checks must precede desktop OS checks because mobile
// user-agent strings embed desktop OS substrings (e.g. Android WebViews
// include "Linux"), and Edge must be matched before Chrome because Edge's
// UA string also contains "Chrome/".
type uaRule struct {
	substr string
	label  string
}

var deviceLabelRules = []uaRule{
	{"iPhone", "iPhone"},
	{"iPad", "iPad"},
	{"Android", "Android"},
	{"Macintosh", "Mac"},
	{"Windows", "Windows"},
	{"Linux", "Linux"},
	{"Edg/", "Edge"},
	{"Chrome/", "Chrome"},
	{"Firefox/", "Firefox"},
	{"Safari/", "Safari"},
}

// DeviceLabel derives a short human-readable label from a raw user-agent
// string, falling back to "Unknown device" when nothing matches.
func DeviceLabel(userAgent string) string {
	for _, rule := range deviceLabelRules {
		if strings.Contains(userAgent, rule.substr) {
			return rule.label
		}
	}
	return "Unknown device"
}

// MaskEmail preserves the first two characters of the local part, pads the
// remainder with the bullet character "•", and keeps the domain intact.
// "abcdef@example.com" -> "ab••••@example.com" (pad length matches the
// remaining local-part length); a local part of two characters or fewer
// is kept whole and followed by one bullet ("ab@example.com" ->
// "ab•@example.com").
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at:]

	if len(local) <= 2 {
		return local + "•" + domain
	}

	kept := local[:2]
	maskedLen := len(local) - 2
	return kept + strings.Repeat("•", maskedLen) + domain
}
