package alert

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReadStateFile parses a published alert vector.
func ReadStateFile(path string) (State, error) {
	var state State
	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("failed to read alert state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to parse alert state %s: %w", path, err)
	}
	return state, nil
}
