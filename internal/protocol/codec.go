package protocol

import (
	"encoding/json"
	"fmt"
)

// PeekType decodes only the "type" discriminator from a raw frame,
// leaving the full payload available for a second, type-specific
// unmarshal. Every reader task in proxyendpoint/clientendpoint/
// launcherendpoint starts here.
func PeekType(data []byte) (string, error) {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return "", fmt.Errorf("protocol: decode type tag: %w", err)
	}
	if tagged.Type == "" {
		return "", fmt.Errorf("protocol: missing type tag")
	}
	return tagged.Type, nil
}

// Marshal is a thin wrapper kept for call-site symmetry with PeekType;
// every outbound frame struct already carries its own Type field.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
