package types

import (
	"encoding/json"
	"fmt"
)

// marshalTagString/unmarshalTagString back the small set of mixin-style
// tagged variants (Status, IssueType, DependencyType) that all serialize as
// a bare JSON string but carry a host-extensible registry behind them.
func marshalTagString(name string) ([]byte, error) {
	return json.Marshal(name)
}

func unmarshalTagString(data []byte) (string, error) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return "", fmt.Errorf("decode tagged variant: %w", err)
	}
	return name, nil
}
