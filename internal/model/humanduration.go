package model

import (
	"fmt"
	"time"
)

// HumanDuration renders d the way a reconnect-notice message does:
// "3m 12s", "45s", "1h 2m". Used by portal-proxy's dialAndServe to synthesize the
// "Proxy reconnected after …" portal message shown after a reconnect.
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	totalSeconds := int64(d / time.Second)

	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// ReconnectNoticeText builds the synthesized system message shown to
// every subscribed web client when a proxy link is restored.
func ReconnectNoticeText(downFor time.Duration, reason string) string {
	if reason == "" {
		reason = "reconnect"
	}
	return fmt.Sprintf("Proxy reconnected after %s (%s)", HumanDuration(downFor), reason)
}
