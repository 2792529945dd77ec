package experiment

import (
	"encoding/json"
	"fmt"
)

// ConfidenceLevel is the closed set of supported confidence levels. Each
// level maps to a fixed two-sided critical value of the standard normal.
type ConfidenceLevel int

const (
	Confidence90 ConfidenceLevel = iota + 1
	Confidence95
	Confidence99
)

// ParseConfidence maps 0.90, 0.95 or 0.99 to a level. Anything else is an
// ErrInvalidConfiguration.
func ParseConfidence(v float64) (ConfidenceLevel, error) {
	switch v {
	case 0.90:
		return Confidence90, nil
	case 0.95:
		return Confidence95, nil
	case 0.99:
		return Confidence99, nil
	}
	return 0, fmt.Errorf("unsupported confidence level %v (want 0.90, 0.95 or 0.99): %w", v, ErrInvalidConfiguration)
}

// Valid reports whether c is one of the declared levels.
func (c ConfidenceLevel) Valid() bool {
	switch c {
	case Confidence90, Confidence95, Confidence99:
		return true
	}
	return false
}

// Value returns the level as a probability, e.g. 0.95.
func (c ConfidenceLevel) Value() float64 {
	switch c {
	case Confidence90:
		return 0.90
	case Confidence95:
		return 0.95
	case Confidence99:
		return 0.99
	}
	return 0
}

// Alpha is the significance threshold 1 - confidence.
func (c ConfidenceLevel) Alpha() float64 {
	switch c {
	case Confidence90:
		return 0.10
	case Confidence95:
		return 0.05
	case Confidence99:
		return 0.01
	}
	return 0
}

// Z returns the two-sided critical value.
func (c ConfidenceLevel) Z() float64 {
	switch c {
	case Confidence90:
		return 1.645
	case Confidence95:
		return 1.960
	case Confidence99:
		return 2.576
	}
	return 0
}

func (c ConfidenceLevel) String() string {
	if !c.Valid() {
		return fmt.Sprintf("ConfidenceLevel(%d)", int(c))
	}
	return fmt.Sprintf("%.2f", c.Value())
}

// MarshalJSON encodes the level as its probability.
func (c ConfidenceLevel) MarshalJSON() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("marshal %s: %w", c, ErrInvalidConfiguration)
	}
	return json.Marshal(c.Value())
}

// UnmarshalJSON accepts 0.90, 0.95 or 0.99.
func (c *ConfidenceLevel) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	level, err := ParseConfidence(v)
	if err != nil {
		return err
	}
	*c = level
	return nil
}
