// README: Realtime event, cross-instance message and channel naming.
package realtime

import (
	"encoding/json"
	"strings"

	"propmove/internal/types"
)

// Event names pushed to clients.
const (
	EventTransportRequest  = "transport_request"
	EventDriverAssigned    = "driver_assigned"
	EventTripStatus        = "trip_status"
	EventDriverLocation    = "driver_location_update"
	EventTransportCanceled = "transport_canceled"
	EventBookingConfirmed  = "booking_confirmed"
	EventPing              = "ping"
)

// Event is what a subscriber receives.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Message travels between instances through the broker.
type Message struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

const (
	prefixTenant = "tenant"
	prefixDriver = "driver"
	prefixUser   = "user"
	prefixRole   = "role"
)

// ChannelPrefixes lists every channel family instances subscribe to.
var ChannelPrefixes = []string{prefixTenant, prefixDriver, prefixUser, prefixRole}

func channel(prefix, id string) string { return prefix + ":" + id }

func splitChannel(ch string) (prefix, id string, ok bool) {
	prefix, id, ok = strings.Cut(ch, ":")
	return prefix, id, ok && id != ""
}

// userChannels are the per-user channels a SendToUser fans out to.
func userChannels(userID types.ID) []string {
	id := string(userID)
	return []string{channel(prefixTenant, id), channel(prefixDriver, id), channel(prefixUser, id)}
}

// prefixForRole picks the single per-user channel a subscriber of this role
// listens on, so a fanned-out message reaches each remote sink once.
func prefixForRole(r types.Role) string {
	switch {
	case r == types.RoleDriver:
		return prefixDriver
	case r.CanRequestTransport():
		return prefixTenant
	default:
		return prefixUser
	}
}
