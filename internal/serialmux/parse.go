package serialmux

import (
	"strings"

	"github.com/banshee-data/attitude.report/internal/imu"
)

const (
	EventTypeFrame   = "frame"
	EventTypeStatus  = "status"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload inspects a payload line and returns a simple event type
// token. Anything that is neither a sensor frame nor a JSON object is
// unknown; boot banners and echoed commands land there.
func ClassifyPayload(payload string) string {
	if imu.IsFrame(payload) {
		return EventTypeFrame
	}
	if strings.HasPrefix(payload, "{") {
		return EventTypeStatus
	}
	return EventTypeUnknown
}
