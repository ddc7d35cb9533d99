package serialmux

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/banshee-data/attitude.report/internal/imu"
)

var (
	statusMu sync.RWMutex

	// deviceStatus holds the latest settings values received from the
	// device over its JSON status lines, keyed by setting name.
	deviceStatus map[string]any
)

// HandleStatusResponse merges a JSON status line from the device into the
// tracked device settings.
func HandleStatusResponse(payload string) error {
	var statusValues map[string]any

	if err := json.Unmarshal([]byte(payload), &statusValues); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %v", err)
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	if deviceStatus == nil {
		deviceStatus = make(map[string]any)
	}
	for k, v := range statusValues {
		deviceStatus[k] = v
	}

	// log the current line
	log.Printf("Status Line: %+v", payload)

	return nil
}

// DeviceStatus returns a copy of the latest settings the device reported.
func DeviceStatus() map[string]any {
	statusMu.RLock()
	defer statusMu.RUnlock()
	snapshot := make(map[string]any, len(deviceStatus))
	for k, v := range deviceStatus {
		snapshot[k] = v
	}
	return snapshot
}

// HandleEvent routes one payload line from the port: sensor frames drive the
// estimator pump, JSON status lines update the tracked device settings.
func HandleEvent(p *imu.Pump, payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeFrame:
		p.HandleLine(payload)
	case EventTypeStatus:
		if err := HandleStatusResponse(payload); err != nil {
			return fmt.Errorf("failed to handle status response: %v", err)
		}
	default:
		log.Printf("unknown event type: %s", payload)
	}
	return nil
}
