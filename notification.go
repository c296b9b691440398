package apns

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/soramame-dev/apns/notification"
	"github.com/soramame-dev/apns/notification/priority"
)

// Notification is a single push notification to deliver to one device.
// PayloadJSON is already-encoded JSON; constructing it is outside the
// engine's scope (see spec §1) — callers bring their own JSON builder.
type Notification struct {
	// DeviceToken is the lowercase hex token identifying the destination
	// device, opaque to the engine.
	DeviceToken string

	// Topic identifies the receiving application. If empty and BundleID
	// is set, EffectiveTopic() derives it from BundleID and Type the way the
	// teacher's appleapi-core client did.
	Topic string

	// BundleID and Type feed EffectiveTopic() when Topic is left empty.
	BundleID string
	Type     notification.PushType

	// PayloadJSON is the already-encoded JSON body, at most 4096 bytes
	// (5120 for Type == notification.Voip).
	PayloadJSON string

	// ApnsID, if set, must be a 128-bit UUID string; if empty, APNs
	// assigns one and returns it in the response.
	ApnsID string

	// Expiration, if non-nil, is attached as apns-expiration. A pointer
	// to 0 is significant (deliver-once, discard if undeliverable) and
	// distinct from leaving Expiration nil (APNs default).
	Expiration *notification.EpochTime

	// Priority is optional; priority.None omits the header.
	Priority priority.Priority

	// CollapseID, if set, must be at most 64 bytes.
	CollapseID string
}

const (
	maxPayloadBytes     = 4096
	maxVoipPayloadBytes = 5120
	maxCollapseIDBytes  = 64
)

// EffectiveTopic resolves the wire apns-topic value: the explicit Topic
// if set, otherwise BundleID with the push-type-specific suffix Apple
// requires for a handful of push types.
func (n *Notification) EffectiveTopic() string {
	if n.Topic != "" {
		return n.Topic
	}
	switch n.Type {
	case notification.Complication:
		return n.BundleID + ".complication"
	case notification.Controls:
		return n.BundleID + ".push-type.controls"
	case notification.Fileprovider:
		return n.BundleID + ".pushkit.fileprovider"
	case notification.Liveactivity:
		return n.BundleID + ".push-type.liveactivity"
	case notification.Location:
		return n.BundleID + ".location-query"
	case notification.Pushtotalk:
		return n.BundleID + ".voip-ptt"
	case notification.Voip:
		return n.BundleID + ".voip"
	case notification.Widgets:
		return n.BundleID + ".push-type.widgets"
	default:
		return n.BundleID
	}
}

// Validate checks the notification against the invariants the engine can
// verify locally, before ever reaching the wire: a non-empty device
// token and topic, and a payload within APNs' size limits.
func (n *Notification) Validate() error {
	if n.DeviceToken == "" {
		return fmt.Errorf("%w: device token is empty", ErrConfiguration)
	}
	if n.EffectiveTopic() == "" {
		return fmt.Errorf("%w: topic is empty", ErrConfiguration)
	}
	if len(n.CollapseID) > maxCollapseIDBytes {
		return fmt.Errorf("%w: collapse-id exceeds %d bytes", ErrConfiguration, maxCollapseIDBytes)
	}
	if n.ApnsID != "" {
		if _, err := uuid.Parse(n.ApnsID); err != nil {
			return fmt.Errorf("%w: apns-id is not a valid UUID: %v", ErrConfiguration, err)
		}
	}

	limit := maxPayloadBytes
	if n.Type == notification.Voip {
		limit = maxVoipPayloadBytes
	}
	if len(n.PayloadJSON) > limit {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrConfiguration, limit)
	}
	if n.PayloadJSON == "" {
		return fmt.Errorf("%w: payload is empty", ErrConfiguration)
	}
	return nil
}

// Clone returns a shallow copy safe to mutate independently (used when
// fanning the same payload out to several device tokens).
func (n *Notification) Clone() *Notification {
	cp := *n
	return &cp
}
