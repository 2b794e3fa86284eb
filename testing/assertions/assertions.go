// Package assertions provides assertions over product events: type
// sequences, payloads, stream ordering and readable diffs.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/matsushun1/inventory"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// Payloads returns the decoded payload of each event.
func Payloads(events []inventory.Event) []interface{} {
	out := make([]interface{}, len(events))
	for i, e := range events {
		out[i] = e.Data
	}
	return out
}

// AssertEventTypes checks that the events have the expected types in order.
func AssertEventTypes(t TB, events []inventory.Event, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d", len(types), len(events))
	}

	for i, expected := range types {
		if events[i].Type != expected {
			t.Errorf("Event %d: expected type %s, got %s", i, expected, events[i].Type)
		}
	}
}

// AssertEventData checks that an event carries the expected payload.
func AssertEventData[T any](t TB, event inventory.Event, expected T) {
	t.Helper()

	actual, ok := event.Data.(T)
	if !ok {
		t.Fatalf("Event %s is not of expected type %T, got %T", event.Type, expected, event.Data)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("Event data mismatch:\nExpected: %+v\nActual: %+v", expected, actual)
	}
}

// AssertLastEvent checks the last event carries the expected payload.
func AssertLastEvent[T any](t TB, events []inventory.Event, expected T) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("Expected at least one event, got none")
	}

	AssertEventData(t, events[len(events)-1], expected)
}

// AssertStreamContiguous checks that the events of every product carry
// sequence numbers 1, 2, 3... in order, and that global positions
// strictly increase.
func AssertStreamContiguous(t TB, events []inventory.Event) {
	t.Helper()

	next := make(map[string]int64)
	var lastPosition uint64
	for i, e := range events {
		want := next[e.ProductID] + 1
		if e.Sequence() != want {
			t.Errorf("Event %d (%s): expected sequence %d, got %d", i, e.ProductID, want, e.Sequence())
		}
		next[e.ProductID] = e.Sequence()

		if i > 0 && e.GlobalPosition <= lastPosition {
			t.Errorf("Event %d: global position %d does not follow %d", i, e.GlobalPosition, lastPosition)
		}
		lastPosition = e.GlobalPosition
	}
}

// AssertCorrelated checks that every event carries the correlation ID.
func AssertCorrelated(t TB, events []inventory.Event, correlationID string) {
	t.Helper()

	for i, e := range events {
		if e.Metadata.CorrelationID != correlationID {
			t.Errorf("Event %d: expected correlation ID %q, got %q", i, correlationID, e.Metadata.CorrelationID)
		}
	}
}

// EventDiff represents a difference between expected and actual payloads.
type EventDiff struct {
	Index    int
	Expected interface{}
	Actual   interface{}
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event data did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffEvents compares two payload slices and returns the differences.
func DiffEvents(expected, actual []interface{}) []EventDiff {
	var diffs []EventDiff

	n := max(len(expected), len(actual))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case !reflect.DeepEqual(expected[i], actual[i]):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Actual: actual[i], Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")
	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)
		switch diff.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %T %+v (unexpected)\n", diff.Actual, diff.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %T %+v (missing)\n", diff.Expected, diff.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %T %+v\n", diff.Expected, diff.Expected)
			fmt.Fprintf(&buf, "    + %T %+v\n", diff.Actual, diff.Actual)
		}
	}
	return buf.String()
}

// AssertEventsEqual compares payloads and fails with a diff if they differ.
func AssertEventsEqual(t TB, expected, actual []interface{}) {
	t.Helper()

	if diffs := DiffEvents(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// EventMatcher reports whether an event matches some criteria.
type EventMatcher func(event inventory.Event) bool

// MatchType matches events of the given type.
func MatchType(eventType string) EventMatcher {
	return func(event inventory.Event) bool {
		return event.Type == eventType
	}
}

// MatchProduct matches events of the given product.
func MatchProduct(productID string) EventMatcher {
	return func(event inventory.Event) bool {
		return event.ProductID == productID
	}
}

// CountMatches returns the number of events that match.
func CountMatches(events []inventory.Event, matcher EventMatcher) int {
	count := 0
	for _, event := range events {
		if matcher(event) {
			count++
		}
	}
	return count
}

// FilterEvents returns the events that match.
func FilterEvents(events []inventory.Event, matcher EventMatcher) []inventory.Event {
	var result []inventory.Event
	for _, event := range events {
		if matcher(event) {
			result = append(result, event)
		}
	}
	return result
}

// AssertNoneMatch checks that no event matches.
func AssertNoneMatch(t TB, events []inventory.Event, matcher EventMatcher) {
	t.Helper()

	for i, event := range events {
		if matcher(event) {
			t.Errorf("Event %d unexpectedly matched: %s %+v", i, event.Type, event.Data)
		}
	}
}
