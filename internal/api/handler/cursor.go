package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const cursorVersion = "v1"

// DecodeBatchCursor returns the batch id a page continues after. An empty
// cursor starts from the first batch.
func DecodeBatchCursor(cursorStr string) (string, error) {
	if cursorStr == "" {
		return "", nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return "", err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 || parts[0] != cursorVersion || parts[1] == "" {
		return "", fmt.Errorf("invalid cursor format")
	}
	return parts[1], nil
}

func EncodeBatchCursor(batchID string) string {
	cs := fmt.Sprintf("%s|%s", cursorVersion, batchID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
