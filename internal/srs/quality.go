package srs

import (
	"encoding/json"
	"fmt"
)

// Quality is the 0-5 grade of recall for a single review.
// Grades of 3 and above count as a successful recall.
type Quality int

const (
	QualityBlackout  Quality = iota // No recall at all.
	QualityIncorrect                // Wrong answer, the correct one felt familiar.
	QualityFamiliar                 // Wrong answer, the correct one was easy to recall.
	QualityHard                     // Correct with serious difficulty.
	QualityGood                     // Correct after some hesitation.
	QualityPerfect                  // Correct and immediate.
)

// recallThreshold is the lowest quality treated as a successful recall.
const recallThreshold = QualityHard

var qualityNames = [...]string{
	QualityBlackout:  "Blackout",
	QualityIncorrect: "Incorrect",
	QualityFamiliar:  "Familiar",
	QualityHard:      "Hard",
	QualityGood:      "Good",
	QualityPerfect:   "Perfect",
}

// Compile-time interface checks.
var (
	_ fmt.Stringer     = Quality(0)
	_ json.Unmarshaler = (*Quality)(nil)
)

// AllQualities lists every valid quality in ascending order.
var AllQualities = []Quality{
	QualityBlackout, QualityIncorrect, QualityFamiliar,
	QualityHard, QualityGood, QualityPerfect,
}

// IsValid reports whether q is within [0, 5].
func (q Quality) IsValid() bool {
	return q >= QualityBlackout && q <= QualityPerfect
}

// IsRecall reports whether q counts as a successful recall.
func (q Quality) IsRecall() bool {
	return q >= recallThreshold
}

// String returns the grade name. For invalid values it returns "Quality(n)".
func (q Quality) String() string {
	if q.IsValid() {
		return qualityNames[q]
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// UnmarshalJSON implements json.Unmarshaler. Quality is stored as a JSON
// integer and rejected when out of range.
func (q *Quality) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidQuality, data)
	}
	v := Quality(n)
	if !v.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidQuality, n)
	}
	*q = v
	return nil
}
