package intent

import (
	"encoding/hex"
	"fmt"
	"time"
)

func extractRecordFields(record map[string]any) (timestamp time.Time, nonce, recordID string, err error) {
	tsRaw, ok := record["timestamp"]
	if !ok {
		return time.Time{}, "", "", fmt.Errorf("record missing timestamp")
	}
	tsStr, ok := tsRaw.(string)
	if !ok {
		return time.Time{}, "", "", fmt.Errorf("record.timestamp must be a string")
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return time.Time{}, "", "", fmt.Errorf("record.timestamp not RFC3339: %w", err)
	}

	nonceRaw, ok := record["nonce"]
	if !ok {
		return time.Time{}, "", "", fmt.Errorf("record missing nonce")
	}
	nonce, ok = nonceRaw.(string)
	if !ok || nonce == "" {
		return time.Time{}, "", "", fmt.Errorf("record.nonce must be a non-empty string")
	}

	idRaw, ok := record["id"]
	if !ok {
		return time.Time{}, "", "", fmt.Errorf("record missing id")
	}
	recordID, ok = idRaw.(string)
	if !ok || recordID == "" {
		return time.Time{}, "", "", fmt.Errorf("record.id must be a non-empty string")
	}

	return ts, nonce, recordID, nil
}

func hashHexTo32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
