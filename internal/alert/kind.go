package alert

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one slot of the alert vector. Ordinals are part of the
// published file format: new kinds are appended, never reordered.
type Kind int

const (
	PhoneDetected Kind = iota
	NoFace
	MultipleFaces
	FaceMismatch
	EyeRiskMovement
)

// NumKinds is the length of every published alert vector.
const NumKinds = 5

var wireNames = [NumKinds]string{
	"cheating_phone_detected",
	"no_face",
	"multiple_faces",
	"face_mismatch",
	"eye_movement",
}

var displayNames = [NumKinds]string{
	"Phone Detected",
	"No Face",
	"Multiple Faces",
	"Face Mismatch",
	"Eye Movement",
}

// String returns the wire name used in session logs and summaries.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return wireNames[k]
}

// DisplayName returns the label shown to proctors.
func (k Kind) DisplayName() string {
	if !k.Valid() {
		return k.String()
	}
	return displayNames[k]
}

func (k Kind) Valid() bool {
	return k >= 0 && k < NumKinds
}

// Kinds returns all kinds in vector order.
func Kinds() []Kind {
	kinds := make([]Kind, NumKinds)
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

// ParseKind resolves a wire name back to its kind.
func ParseKind(name string) (Kind, bool) {
	for i, n := range wireNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// State is the alert vector. The fixed array length keeps every published
// document at NumKinds entries.
type State [NumKinds]bool

// Active returns the kinds currently set, in vector order.
func (s State) Active() []Kind {
	var kinds []Kind
	for i, v := range s {
		if v {
			kinds = append(kinds, Kind(i))
		}
	}
	return kinds
}

// Any reports whether at least one slot is set.
func (s State) Any() bool {
	for _, v := range s {
		if v {
			return true
		}
	}
	return false
}

// Named maps wire names to slot values.
func (s State) Named() map[string]bool {
	m := make(map[string]bool, NumKinds)
	for i, v := range s {
		m[wireNames[i]] = v
	}
	return m
}

// MarshalJSON encodes the vector as a JSON array of 0/1 integers.
func (s State) MarshalJSON() ([]byte, error) {
	var ints [NumKinds]int
	for i, v := range s {
		if v {
			ints[i] = 1
		}
	}
	return json.Marshal(ints)
}

// UnmarshalJSON accepts a JSON array of exactly NumKinds numbers; any
// non-zero value is treated as set.
func (s *State) UnmarshalJSON(data []byte) error {
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode alert vector: %w", err)
	}
	if len(values) != NumKinds {
		return fmt.Errorf("alert vector has %d entries, want %d", len(values), NumKinds)
	}
	for i, v := range values {
		s[i] = v != 0
	}
	return nil
}
