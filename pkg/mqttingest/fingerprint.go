package mqttingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Fingerprint derives the deduplication key for an inbound packet from its
// topic, QoS, broker message ID and payload length.
//
// The default form is a best-effort heuristic, not content-hash strong: two
// packets with the same topic, QoS and message ID whose payloads merely share
// a length collapse to one fingerprint. Message IDs also wrap at 65535, so
// the key is only as unique as the broker's redelivery window. Setting
// contentHash replaces the length segment with a SHA-256 digest of the
// payload, trading the weaker historical semantics for collision resistance.
func Fingerprint(topic string, qos byte, messageID uint16, payload []byte, contentHash bool) string {
	tail := strconv.Itoa(len(payload))
	if contentHash {
		sum := sha256.Sum256(payload)
		tail = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%s|%d|%d|%s", topic, qos, messageID, tail)
}
