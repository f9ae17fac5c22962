package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"lexline/internal/domain"
)

type envelope struct {
	EventType  string          `json:"event_type"`
	ResourceID string          `json:"resource_id"`
	ActorID    string          `json:"actor_id"`
	Timestamp  string          `json:"timestamp"`
	Details    json.RawMessage `json:"details"`
}

// ContentHash is the sha256 of the event's canonical JSON envelope. The
// stored hashes and sequence number are not part of it.
func ContentHash(e domain.AuditEvent) string {
	details := e.Details
	if details == "" {
		details = "{}"
	}
	data, err := json.Marshal(envelope{
		EventType:  e.EventType,
		ResourceID: e.ResourceID,
		ActorID:    e.ActorID,
		Timestamp:  e.Timestamp,
		Details:    json.RawMessage(details),
	})
	if err != nil {
		// Details that are not valid JSON still hash deterministically.
		data = []byte(e.EventType + "\x00" + e.ResourceID + "\x00" + e.ActorID + "\x00" + e.Timestamp + "\x00" + details)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash links an event to its predecessor; prev is empty for the first
// event of a resource.
func ChainHash(prev, contentHash string) string {
	sum := sha256.Sum256([]byte(prev + ":" + contentHash))
	return hex.EncodeToString(sum[:])
}
