package radio

import "fmt"

// Decode reads payload as a signed little-endian integer of one to eight bytes
// and scales it by 0.01, e.g. 0x2E 0x09 is 2350 and decodes to 23.50.
func Decode(payload []byte) (float64, error) {
	if len(payload) == 0 || len(payload) > 8 {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidPayload, len(payload))
	}

	var raw uint64
	for i, b := range payload {
		raw |= uint64(b) << (8 * i)
	}

	// Shift the sign bit of the payload into bit 63, then back down arithmetically.
	shift := uint(64 - 8*len(payload))
	value := int64(raw<<shift) >> shift

	return float64(value) / 100, nil
}
