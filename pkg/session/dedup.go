package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tarsy-run/tarsy/pkg/models"
)

// alertKey canonicalizes an alert into a stable dedup key: two submissions
// that resolve to the same key are treated as the same in-flight alert.
// Prefers the caller-supplied Fingerprint when present (upstream systems
// that already know how to identify "the same alert" as it re-fires);
// otherwise falls back to a hash of the alert type and payload.
func alertKey(alert models.Alert) string {
	if alert.Fingerprint != "" {
		return alert.AlertType + ":" + alert.Fingerprint
	}

	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", alert.Payload))
	}
	sum := sha256.Sum256(append([]byte(alert.AlertType+":"), payload...))
	return alert.AlertType + ":" + hex.EncodeToString(sum[:])
}
