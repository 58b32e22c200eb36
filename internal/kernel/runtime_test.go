package kernel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"message-highway/pkg/highway"
)

func TestAssertSubscriptionAllowed(t *testing.T) {
	t.Parallel()

	deletions := highway.Capability{
		Name:     "deletions",
		Interest: highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageDeleted, highway.EventKindMessageBulkDeleted}},
	}

	tests := []struct {
		name         string
		capabilities []highway.Capability
		interest     highway.InterestSet
		wantErr      bool
	}{
		{
			name:         "subset of declared kinds",
			capabilities: []highway.Capability{deletions},
			interest:     highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageDeleted}},
		},
		{
			name:         "kind outside declaration",
			capabilities: []highway.Capability{deletions},
			interest:     highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageCreated}},
			wantErr:      true,
		},
		{
			name:         "wildcard interest needs wildcard capability",
			capabilities: []highway.Capability{deletions},
			interest:     highway.InterestSet{},
			wantErr:      true,
		},
		{
			name:     "no capabilities",
			interest: highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageDeleted}},
			wantErr:  true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := assertSubscriptionAllowed(testCase.capabilities, testCase.interest)
			if testCase.wantErr && !errors.Is(err, highway.ErrInvalidSubscription) {
				t.Fatalf("error = %v, want ErrInvalidSubscription", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestModuleRecordCloseSubscriptionsIsIdempotent(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("close failed")
	failing := &countingSubscription{name: "failing", err: closeErr}
	healthy := &countingSubscription{name: "healthy"}

	record := &moduleRecord{name: "m"}
	record.addSubscription(failing)
	record.addSubscription(healthy)

	if err := record.closeSubscriptions(context.Background()); !errors.Is(err, closeErr) {
		t.Fatalf("first close error = %v, want %v", err, closeErr)
	}
	if err := record.closeSubscriptions(context.Background()); err != nil {
		t.Fatalf("second close error = %v, want nil", err)
	}
	if failing.closed.Load() != 1 || healthy.closed.Load() != 1 {
		t.Fatalf("close counts = %d/%d, want 1/1", failing.closed.Load(), healthy.closed.Load())
	}
}

type countingSubscription struct {
	name   string
	err    error
	closed atomic.Int32
}

func (s *countingSubscription) Name() string {
	return s.name
}

func (s *countingSubscription) Close(context.Context) error {
	s.closed.Add(1)
	return s.err
}
