// Package bdd provides Given-When-Then fixtures for product commands.
//
// TestFixture drives an aggregate directly:
//
//	bdd.Given(t, product, testutil.Created("p1", "Widget", 5)).
//		When(func() error { return product.RemoveInventory(2) }).
//		Then(testutil.Removed("p1", 2))
//
// CommandTestFixture runs commands through a Service, so the command bus
// middleware, the keyed lock and the event store take part.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/matsushun1/inventory"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// TestFixture provides BDD-style testing for aggregates.
type TestFixture struct {
	t           TB
	aggregate   inventory.Aggregate
	givenEvents []interface{}
	result      error
	executed    bool
}

// Given sets up the aggregate with the events it has already committed.
func Given(t TB, aggregate inventory.Aggregate, events ...interface{}) *TestFixture {
	t.Helper()
	return &TestFixture{
		t:           t,
		aggregate:   aggregate,
		givenEvents: events,
	}
}

// When folds the given events and runs the command function.
func (f *TestFixture) When(commandFunc func() error) *TestFixture {
	f.t.Helper()

	for _, event := range f.givenEvents {
		if err := f.aggregate.ApplyEvent(event); err != nil {
			f.t.Fatalf("Failed to apply given event %T: %v", event, err)
		}
	}
	if v, ok := f.aggregate.(interface{ SetVersion(int64) }); ok {
		v.SetVersion(int64(len(f.givenEvents)))
	}
	f.aggregate.ClearUncommittedEvents()

	f.result = commandFunc()
	f.executed = true

	return f
}

func (f *TestFixture) mustHaveRun(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s must be called after When()", step)
	}
}

// Then asserts that the command succeeded and raised exactly these events.
func (f *TestFixture) Then(expectedEvents ...interface{}) {
	f.t.Helper()
	f.mustHaveRun("Then()")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	uncommitted := f.aggregate.UncommittedEvents()
	if len(uncommitted) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expectedEvents), len(uncommitted), expectedEvents, uncommitted)
	}

	for i, expected := range expectedEvents {
		if !reflect.DeepEqual(uncommitted[i], expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, expected, uncommitted[i])
		}
	}
}

// ThenError asserts that the command failed with err and raised nothing.
func (f *TestFixture) ThenError(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenError()")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
	if n := len(f.aggregate.UncommittedEvents()); n > 0 {
		f.t.Errorf("Expected no events after a failed command, got %d", n)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TestFixture) ThenErrorContains(substring string) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorContains()")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenNoEvents asserts that the command succeeded without raising events.
func (f *TestFixture) ThenNoEvents() {
	f.t.Helper()
	f.mustHaveRun("ThenNoEvents()")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}
	if uncommitted := f.aggregate.UncommittedEvents(); len(uncommitted) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(uncommitted), uncommitted)
	}
}

// CommandTestFixture runs commands against a Service.
type CommandTestFixture struct {
	t        TB
	ctx      context.Context
	svc      *inventory.Service
	given    map[string][]interface{}
	order    []string
	result   inventory.CommandResult
	err      error
	executed bool
}

// GivenCommand creates a command fixture over svc.
func GivenCommand(t TB, svc *inventory.Service) *CommandTestFixture {
	t.Helper()
	return &CommandTestFixture{
		t:     t,
		ctx:   context.Background(),
		svc:   svc,
		given: make(map[string][]interface{}),
	}
}

// WithContext sets a custom context for the command execution.
func (f *CommandTestFixture) WithContext(ctx context.Context) *CommandTestFixture {
	f.ctx = ctx
	return f
}

// WithExistingEvents queues history for a product. It is appended to the
// store before the command runs.
func (f *CommandTestFixture) WithExistingEvents(productID string, events ...interface{}) *CommandTestFixture {
	if _, ok := f.given[productID]; !ok {
		f.order = append(f.order, productID)
	}
	f.given[productID] = append(f.given[productID], events...)
	return f
}

// When appends the given history and submits cmd.
func (f *CommandTestFixture) When(cmd inventory.Command) *CommandTestFixture {
	f.t.Helper()

	for _, productID := range f.order {
		info, err := f.svc.Store.GetStreamInfo(f.ctx, productID)
		expected := inventory.NoStream
		if err == nil {
			expected = info.Version
		}
		if _, err := f.svc.Store.Append(f.ctx, productID, expected, f.given[productID]); err != nil {
			f.t.Fatalf("Failed to store given events for %s: %v", productID, err)
		}
	}
	f.given = make(map[string][]interface{})
	f.order = nil

	f.result, f.err = f.svc.Submit(f.ctx, cmd)
	f.executed = true
	return f
}

func (f *CommandTestFixture) mustHaveRun(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s must be called after When()", step)
	}
}

// ThenSucceeds asserts the command succeeded.
func (f *CommandTestFixture) ThenSucceeds() *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenSucceeds()")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	if !f.result.IsSuccess() {
		f.t.Fatalf("Expected success result but got error: %v", f.result.Error)
	}
	return f
}

// ThenFails asserts the command failed with the expected error.
func (f *CommandTestFixture) ThenFails(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenFails()")

	if f.err == nil && f.result.IsSuccess() {
		f.t.Fatal("Expected failure but got success")
	}

	errToCheck := f.err
	if errToCheck == nil {
		errToCheck = f.result.Error
	}
	if !errors.Is(errToCheck, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, errToCheck)
	}
}

// ThenReturnsAggregateID asserts the result names the expected product.
func (f *CommandTestFixture) ThenReturnsAggregateID(expected string) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenReturnsAggregateID()")

	if f.result.AggregateID != expected {
		f.t.Errorf("Expected aggregate ID %q, got %q", expected, f.result.AggregateID)
	}
	return f
}

// ThenReturnsVersion asserts the committed version.
func (f *CommandTestFixture) ThenReturnsVersion(expected int64) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenReturnsVersion()")

	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}
	return f
}

// ThenStream asserts the full committed history of a product.
func (f *CommandTestFixture) ThenStream(productID string, expectedEvents ...interface{}) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenStream()")

	events, _, err := f.svc.Store.Load(f.ctx, productID)
	if err != nil {
		f.t.Fatalf("Failed to load %s: %v", productID, err)
	}
	if len(events) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events in %s, got %d", len(expectedEvents), productID, len(events))
	}
	for i, expected := range expectedEvents {
		if !reflect.DeepEqual(events[i].Data, expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, expected, events[i].Data)
		}
	}
	return f
}

// ThenQuantity asserts the write-side stock of a product.
func (f *CommandTestFixture) ThenQuantity(productID string, expected int64) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenQuantity()")

	product, err := f.svc.Store.LoadProduct(f.ctx, productID)
	if err != nil {
		f.t.Fatalf("Failed to load %s: %v", productID, err)
	}
	if product.Quantity() != expected {
		f.t.Errorf("Expected quantity %d for %s, got %d", expected, productID, product.Quantity())
	}
	return f
}
