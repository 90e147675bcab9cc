package constant

import "fmt"

const (
	// Feed sources as reported to clients in status frames.
	FeedSourceZerodha      = "zerodha"
	FeedSourceFallback     = "fallback"
	FeedSourceDisconnected = "disconnected"

	AlertStreamName       = "price_alert"
	AlertStreamSubjectAll = "price_alert.*"

	// BroadcastSubject carries out-of-band payloads (news frames etc.)
	// that the gateway relays verbatim to every connected session.
	BroadcastSubject = "gateway.broadcast"

	// Close code sent to websocket clients rejected during authentication.
	SessionAuthRejectedCode = 4001
)

func GetAlertTriggeredSubject(userID string) string {
	return fmt.Sprintf("price_alert.%s", userID)
}
