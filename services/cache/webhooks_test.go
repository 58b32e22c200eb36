package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"message-highway/pkg/highway"
)

func TestWebhookCacheReusesOwnedIncomingWebhook(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		owner       string
		listed      []highway.Webhook
		wantID      string
		wantCreates int32
	}{
		{
			name: "reuses first incoming webhook with token",
			listed: []highway.Webhook{
				{ID: "w-follower", Incoming: false, Token: "x"},
				{ID: "w-tokenless", Incoming: true},
				{ID: "w-ok", Incoming: true, Token: "tok"},
			},
			wantID: "w-ok",
		},
		{
			name:  "skips webhooks owned by other applications",
			owner: "app-1",
			listed: []highway.Webhook{
				{ID: "w-other", Incoming: true, Token: "tok", ApplicationID: "app-2"},
			},
			wantID:      "w-new",
			wantCreates: 1,
		},
		{
			name:        "creates when nothing is listed",
			wantID:      "w-new",
			wantCreates: 1,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provisioner := &stubProvisioner{
				listed:  testCase.listed,
				created: highway.Webhook{ID: "w-new", Token: "new-token", Incoming: true},
			}
			cache, err := NewWebhookCache(provisioner, WithOwnerApplication(func() string { return testCase.owner }))
			if err != nil {
				t.Fatalf("new webhook cache failed: %v", err)
			}

			identity, err := cache.GetOrCreate(context.Background(), "c1")
			if err != nil {
				t.Fatalf("get or create failed: %v", err)
			}
			if identity.ID != testCase.wantID || identity.ChannelID != "c1" {
				t.Fatalf("identity = %+v, want id %s on c1", identity, testCase.wantID)
			}
			if got := provisioner.creates.Load(); got != testCase.wantCreates {
				t.Fatalf("creates = %d, want %d", got, testCase.wantCreates)
			}
			if testCase.wantCreates > 0 && provisioner.lastName != highway.WebhookName {
				t.Fatalf("created name = %q, want %q", provisioner.lastName, highway.WebhookName)
			}
		})
	}
}

func TestWebhookCacheConcurrentMissCreatesOnce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	provisioner := &stubProvisioner{
		created:     highway.Webhook{ID: "w-new", Token: "tok", Incoming: true},
		createGate:  release,
		createEnter: make(chan struct{}, 1),
	}
	cache, err := NewWebhookCache(provisioner)
	if err != nil {
		t.Fatalf("new webhook cache failed: %v", err)
	}

	const callers = 16
	results := make(chan highway.WebhookIdentity, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for idx := 0; idx < callers; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity, err := cache.GetOrCreate(context.Background(), "c1")
			if err != nil {
				errs <- err
				return
			}
			results <- identity
		}()
	}

	select {
	case <-provisioner.createEnter:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create")
	}
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for identity := range results {
		count++
		if identity.ID != "w-new" {
			t.Fatalf("identity = %+v, want w-new", identity)
		}
	}
	if count != callers {
		t.Fatalf("results = %d, want %d", count, callers)
	}
	if got := provisioner.creates.Load(); got != 1 {
		t.Fatalf("creates = %d, want 1", got)
	}
	if got := provisioner.lists.Load(); got != 1 {
		t.Fatalf("lists = %d, want 1", got)
	}
}

func TestWebhookCacheFailureIsNotCached(t *testing.T) {
	t.Parallel()

	provisioner := &stubProvisioner{
		created:   highway.Webhook{ID: "w-new", Token: "tok", Incoming: true},
		createErr: errors.New("missing permissions"),
	}
	cache, err := NewWebhookCache(provisioner)
	if err != nil {
		t.Fatalf("new webhook cache failed: %v", err)
	}

	if _, err := cache.GetOrCreate(context.Background(), "c1"); err == nil {
		t.Fatal("expected first provisioning error")
	}

	provisioner.setCreateErr(nil)
	identity, err := cache.GetOrCreate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if identity.ID != "w-new" {
		t.Fatalf("identity = %+v, want w-new", identity)
	}
	if got := provisioner.creates.Load(); got != 2 {
		t.Fatalf("creates = %d, want 2", got)
	}
}

func TestWebhookCacheWaiterHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	provisioner := &stubProvisioner{
		created:     highway.Webhook{ID: "w-new", Token: "tok", Incoming: true},
		createGate:  release,
		createEnter: make(chan struct{}, 1),
	}
	cache, err := NewWebhookCache(provisioner)
	if err != nil {
		t.Fatalf("new webhook cache failed: %v", err)
	}

	claimed := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(context.Background(), "c1")
		claimed <- err
	}()
	<-provisioner.createEnter

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.GetOrCreate(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiter error = %v, want deadline exceeded", err)
	}

	close(release)
	if err := <-claimed; err != nil {
		t.Fatalf("claimant failed: %v", err)
	}
}

func TestWebhookCacheInvalidateIfMissing(t *testing.T) {
	t.Parallel()

	provisioner := &stubProvisioner{
		created: highway.Webhook{ID: "w-1", Token: "tok", Incoming: true},
	}
	cache, err := NewWebhookCache(provisioner)
	if err != nil {
		t.Fatalf("new webhook cache failed: %v", err)
	}

	if err := cache.InvalidateIfMissing(context.Background(), "c1"); err != nil {
		t.Fatalf("invalidate on empty cache failed: %v", err)
	}
	if got := provisioner.lists.Load(); got != 0 {
		t.Fatalf("lists = %d, want 0 for uncached channel", got)
	}

	if _, err := cache.GetOrCreate(context.Background(), "c1"); err != nil {
		t.Fatalf("get or create failed: %v", err)
	}

	provisioner.setListed([]highway.Webhook{{ID: "w-1", Token: "tok", Incoming: true}})
	if err := cache.InvalidateIfMissing(context.Background(), "c1"); err != nil {
		t.Fatalf("invalidate with webhook present failed: %v", err)
	}
	identity, err := cache.GetOrCreate(context.Background(), "c1")
	if err != nil || identity.ID != "w-1" {
		t.Fatalf("identity = %+v err=%v, want cached w-1", identity, err)
	}
	if got := provisioner.creates.Load(); got != 1 {
		t.Fatalf("creates = %d, want 1", got)
	}

	provisioner.setListed(nil)
	provisioner.setCreated(highway.Webhook{ID: "w-2", Token: "tok2", Incoming: true})
	if err := cache.InvalidateIfMissing(context.Background(), "c1"); err != nil {
		t.Fatalf("invalidate with webhook gone failed: %v", err)
	}
	identity, err = cache.GetOrCreate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get or create after invalidation failed: %v", err)
	}
	if identity.ID != "w-2" {
		t.Fatalf("identity = %+v, want freshly created w-2", identity)
	}
}

func TestWebhookCacheInvalidateIgnoresListingStartedEarlier(t *testing.T) {
	t.Parallel()

	provisioner := &stubProvisioner{
		created: highway.Webhook{ID: "w-1", Token: "tok", Incoming: true},
	}
	cache, err := NewWebhookCache(provisioner)
	if err != nil {
		t.Fatalf("new webhook cache failed: %v", err)
	}
	if _, err := cache.GetOrCreate(context.Background(), "c1"); err != nil {
		t.Fatalf("get or create failed: %v", err)
	}

	gate := make(chan struct{})
	enter := make(chan struct{}, 1)
	provisioner.mu.Lock()
	provisioner.listed = []highway.Webhook{{ID: "w-1", Token: "tok", Incoming: true}}
	provisioner.listGate = gate
	provisioner.listEnter = enter
	provisioner.mu.Unlock()

	errs := make(chan error, 2)
	go func() {
		errs <- cache.InvalidateIfMissing(context.Background(), "c1")
	}()
	select {
	case <-enter:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first listing")
	}

	// w-1 is removed upstream while the first listing is still in flight.
	provisioner.setListed(nil)
	provisioner.setCreated(highway.Webhook{ID: "w-2", Token: "tok2", Incoming: true})
	go func() {
		errs <- cache.InvalidateIfMissing(context.Background(), "c1")
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for range 2 {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("invalidate failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for invalidation")
		}
	}

	if got := provisioner.lists.Load(); got != 3 {
		t.Fatalf("lists = %d, want a fresh listing after the shared one", got)
	}

	identity, err := cache.GetOrCreate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get or create after invalidation failed: %v", err)
	}
	if identity.ID != "w-2" {
		t.Fatalf("identity = %+v, want w-2 after the stale listing was retried", identity)
	}
}

func TestWebhookCacheInvalidateListError(t *testing.T) {
	t.Parallel()

	provisioner := &stubProvisioner{
		created: highway.Webhook{ID: "w-1", Token: "tok", Incoming: true},
	}
	cache, err := NewWebhookCache(provisioner)
	if err != nil {
		t.Fatalf("new webhook cache failed: %v", err)
	}
	if _, err := cache.GetOrCreate(context.Background(), "c1"); err != nil {
		t.Fatalf("get or create failed: %v", err)
	}

	listErr := errors.New("gateway unavailable")
	provisioner.setListErr(listErr)
	if err := cache.InvalidateIfMissing(context.Background(), "c1"); !errors.Is(err, listErr) {
		t.Fatalf("invalidate error = %v, want %v", err, listErr)
	}

	provisioner.setListErr(nil)
	identity, err := cache.GetOrCreate(context.Background(), "c1")
	if err != nil || identity.ID != "w-1" {
		t.Fatalf("identity = %+v err=%v, want cached w-1 kept", identity, err)
	}
}

func TestNewWebhookCacheRejectsNilProvisioner(t *testing.T) {
	t.Parallel()

	if _, err := NewWebhookCache(nil); err == nil {
		t.Fatal("expected error for nil provisioner")
	}
}

type stubProvisioner struct {
	mu        sync.Mutex
	listed    []highway.Webhook
	listErr   error
	created   highway.Webhook
	createErr error
	lastName  string

	createGate  chan struct{}
	createEnter chan struct{}
	listGate    chan struct{}
	listEnter   chan struct{}

	lists   atomic.Int32
	creates atomic.Int32
}

func (s *stubProvisioner) ListWebhooks(ctx context.Context, _ string) ([]highway.Webhook, error) {
	s.lists.Add(1)

	s.mu.Lock()
	listed := append([]highway.Webhook(nil), s.listed...)
	listErr := s.listErr
	gate, enter := s.listGate, s.listEnter
	s.mu.Unlock()

	if enter != nil {
		select {
		case enter <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if listErr != nil {
		return nil, listErr
	}

	return listed, nil
}

func (s *stubProvisioner) CreateWebhook(ctx context.Context, _ string, name string) (highway.Webhook, error) {
	s.creates.Add(1)
	if s.createEnter != nil {
		select {
		case s.createEnter <- struct{}{}:
		default:
		}
	}
	if s.createGate != nil {
		select {
		case <-s.createGate:
		case <-ctx.Done():
			return highway.Webhook{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastName = name
	if s.createErr != nil {
		return highway.Webhook{}, s.createErr
	}

	return s.created, nil
}

func (s *stubProvisioner) setListed(listed []highway.Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed = listed
}

func (s *stubProvisioner) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *stubProvisioner) setCreated(created highway.Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = created
}

func (s *stubProvisioner) setCreateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}
