package bluetooth

import (
	"crypto/sha256"

	"github.com/google/uuid"
)

const (
	// NearbyServiceUUID is the 16-bit Nearby UUID (0xFEF3) that BLE
	// advertisements carry service data under.
	NearbyServiceUUID = "0000fef3-0000-1000-8000-00805f9b34fb"

	serviceIDHashSize = 3
)

// serviceNamespace scopes the RFCOMM UUIDs derived from service ids.
var serviceNamespace = uuid.MustParse("5d4b2a0e-6b1c-4f2e-9a7d-3c1e8f0b2d46")

// ServiceUUID returns the RFCOMM profile UUID for serviceID. Both sides
// derive it independently so no lookup is needed.
func ServiceUUID(serviceID string) string {
	return uuid.NewSHA1(serviceNamespace, []byte(serviceID)).String()
}

// serviceIDHash is the short hash placed in BLE service data.
func serviceIDHash(serviceID string) []byte {
	sum := sha256.Sum256([]byte(serviceID))
	return sum[:serviceIDHashSize]
}
