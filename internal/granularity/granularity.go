// Package granularity defines the closed set of candle granularities and the
// bijective mapping between their human-readable labels and second counts.
package granularity

import "fmt"

// Label is a human-readable granularity identifier, e.g. "1m".
type Label string

const (
	Min1  Label = "1m"
	Min5  Label = "5m"
	Min15 Label = "15m"
	Min30 Label = "30m"
	Hour1 Label = "1h"
	Hour2 Label = "2h"
	Hour4 Label = "4h"
	Hour6 Label = "6h"
	Hour12 Label = "12h"
	Day1  Label = "1d"
)

var secondsByLabel = map[Label]int64{
	Min1:   60,
	Min5:   300,
	Min15:  900,
	Min30:  1800,
	Hour1:  3600,
	Hour2:  7200,
	Hour4:  14400,
	Hour6:  21600,
	Hour12: 43200,
	Day1:   86400,
}

var labelBySeconds = func() map[int64]Label {
	m := make(map[int64]Label, len(secondsByLabel))
	for label, seconds := range secondsByLabel {
		m[seconds] = label
	}
	return m
}()

// All lists every supported granularity label, stable order from shortest to
// longest.
var All = []Label{Min1, Min5, Min15, Min30, Hour1, Hour2, Hour4, Hour6, Hour12, Day1}

// Seconds returns the bucket width in seconds for a label, and whether it is
// a known granularity.
func Seconds(label Label) (int64, bool) {
	s, ok := secondsByLabel[label]
	return s, ok
}

// MustSeconds panics if label is not a known granularity. The candle
// aggregator calls it per trade for labels it was constructed with.
func MustSeconds(label Label) int64 {
	s, ok := Seconds(label)
	if !ok {
		panic(fmt.Sprintf("granularity: unknown label %q", label))
	}
	return s
}

// FromSeconds returns the label for a second count, and whether it is known.
func FromSeconds(seconds int64) (Label, bool) {
	l, ok := labelBySeconds[seconds]
	return l, ok
}

// BucketStart floors a unix-second timestamp to the start of its bucket for
// the given granularity width in seconds.
func BucketStart(unixSeconds, widthSeconds int64) int64 {
	return (unixSeconds / widthSeconds) * widthSeconds
}
