package outbox

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CorrelationID is stable for a record, redeliveries of the same record share it.
func CorrelationID(appID string, message Message) string {
	payloadHash := sha256.Sum256(message.Payload)

	const separator = ":"
	return strings.Join(
		[]string{
			appID,
			base64.RawURLEncoding.EncodeToString(payloadHash[:]),
			message.ID,
		},
		separator,
	)
}
