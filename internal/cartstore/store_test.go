package cartstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/cartsync/internal/domain"
	"github.com/fjod/cartsync/internal/localcache"
	"github.com/fjod/cartsync/internal/session"
	"github.com/fjod/cartsync/pkg/logger"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemoteDown = errors.New("connection refused")

// mockRemote is a hand-written RemoteCart. Hooks left nil answer with an
// empty cart.
type mockRemote struct {
	mu       sync.RWMutex
	calls    map[string]int
	getCart  func(ctx context.Context, token string) (*domain.CartSnapshot, error)
	mutate   func(ctx context.Context, op string, productID int64, arg interface{}) (*domain.CartSnapshot, error)
	clearErr error
}

func newMockRemote() *mockRemote {
	return &mockRemote{calls: make(map[string]int)}
}

func (m *mockRemote) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func (m *mockRemote) count(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

func (m *mockRemote) setGetCart(fn func(ctx context.Context, token string) (*domain.CartSnapshot, error)) {
	m.mu.Lock()
	m.getCart = fn
	m.mu.Unlock()
}

func (m *mockRemote) setMutate(fn func(ctx context.Context, op string, productID int64, arg interface{}) (*domain.CartSnapshot, error)) {
	m.mu.Lock()
	m.mutate = fn
	m.mu.Unlock()
}

func (m *mockRemote) GetCart(ctx context.Context, token string) (*domain.CartSnapshot, error) {
	m.record("get")
	m.mu.RLock()
	fn := m.getCart
	m.mu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, token)
}

func (m *mockRemote) do(ctx context.Context, op string, productID int64, arg interface{}) (*domain.CartSnapshot, error) {
	m.record(op)
	m.mu.RLock()
	fn := m.mutate
	m.mu.RUnlock()
	if fn == nil {
		return snapshotOf(), nil
	}
	return fn(ctx, op, productID, arg)
}

func (m *mockRemote) AddItem(ctx context.Context, _ string, productID int64, quantity int) (*domain.CartSnapshot, error) {
	return m.do(ctx, "add", productID, quantity)
}

func (m *mockRemote) RemoveItem(ctx context.Context, _ string, productID int64) (*domain.CartSnapshot, error) {
	return m.do(ctx, "remove", productID, nil)
}

func (m *mockRemote) UpdateQuantity(ctx context.Context, _ string, productID int64, quantity int) (*domain.CartSnapshot, error) {
	return m.do(ctx, "quantity", productID, quantity)
}

func (m *mockRemote) UpdateSize(ctx context.Context, _ string, productID int64, size string) (*domain.CartSnapshot, error) {
	return m.do(ctx, "size", productID, size)
}

func (m *mockRemote) ClearCart(_ context.Context, _ string) error {
	m.record("clear")
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clearErr
}

type toast struct {
	kind    string
	message string
}

type mockNotifier struct {
	mu     sync.Mutex
	toasts []toast
}

func (n *mockNotifier) push(kind, message string) {
	n.mu.Lock()
	n.toasts = append(n.toasts, toast{kind, message})
	n.mu.Unlock()
}

func (n *mockNotifier) Success(message string) { n.push("success", message) }
func (n *mockNotifier) Failure(message string) { n.push("failure", message) }
func (n *mockNotifier) Info(message string)    { n.push("info", message) }

func (n *mockNotifier) last() toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.toasts) == 0 {
		return toast{}
	}
	return n.toasts[len(n.toasts)-1]
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *Store
	remote   *mockRemote
	kv       *localcache.MemoryKV
	cache    *localcache.GuestCache
	notifier *mockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := localcache.NewMemoryKV()
	return newFixtureWithKV(t, kv)
}

func newFixtureWithKV(t *testing.T, kv *localcache.MemoryKV) *fixture {
	t.Helper()
	f := &fixture{
		remote:   newMockRemote(),
		kv:       kv,
		cache:    localcache.NewGuestCache(kv, "client-1"),
		notifier: &mockNotifier{},
	}
	f.store = New(f.remote, f.cache, f.notifier,
		WithLogger(logger.Discard()),
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func shirt() domain.Product {
	return domain.Product{ID: 42, Name: "Linen shirt", Price: decimal.NewFromInt(500), Images: []string{"shirt.jpg"}}
}

func socks() domain.Product {
	return domain.Product{ID: 7, Name: "Socks", Price: decimal.RequireFromString("3.33")}
}

func line(productID int64, name string, price int64, quantity int, size string) domain.SnapshotItem {
	return domain.SnapshotItem{
		ProductID:   productID,
		ProductName: name,
		Price:       decimal.NewFromInt(price),
		Quantity:    quantity,
		Size:        size,
		IsActive:    true,
		LineTotal:   decimal.NewFromInt(price * int64(quantity)),
	}
}

func snapshotOf(items ...domain.SnapshotItem) *domain.CartSnapshot {
	snap := &domain.CartSnapshot{Items: []domain.SnapshotItem{}, TotalAmount: decimal.Zero}
	for _, it := range items {
		snap.Items = append(snap.Items, it)
		snap.TotalItems += it.Quantity
		snap.TotalAmount = snap.TotalAmount.Add(it.LineTotal)
	}
	return snap
}

func member(id string) *session.Session {
	return &session.Session{UserID: id, Token: "token-" + id, Role: session.RoleCustomer}
}

var itemsCmp = cmp.Options{
	cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
	cmpopts.EquateEmpty(),
}

func requireTotalsConsistent(t *testing.T, st State) {
	t.Helper()
	count := 0
	amount := decimal.Zero
	for _, it := range st.Items {
		count += it.Quantity
		amount = amount.Add(it.LineTotal)
	}
	require.Equal(t, count, st.TotalItems)
	require.True(t, amount.Equal(st.TotalAmount), "totalAmount %s != sum %s", st.TotalAmount, amount)
}

func TestGuestAdd_MergesSameProductAndSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddItem(ctx, shirt(), 2, "L", "white")
	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, int64(42), st.Items[0].ProductID)
	assert.Equal(t, "L", st.Items[0].SelectedSize)
	assert.Equal(t, 2, st.Items[0].Quantity)
	assert.True(t, st.Items[0].LineTotal.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 2, st.TotalItems)
	assert.True(t, st.TotalAmount.Equal(decimal.NewFromInt(1000)))

	f.store.AddItem(ctx, shirt(), 1, "L", "blue")
	st = f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 3, st.Items[0].Quantity)
	assert.True(t, st.Items[0].LineTotal.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, 3, st.TotalItems)
	assert.True(t, st.TotalAmount.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, toast{"success", "Linen shirt added to cart"}, f.notifier.last())
	assert.Equal(t, ModeGuest, st.Mode)
	assert.Zero(t, f.remote.count("add"))
}

func TestGuestAdd_DifferentSizeIsNewLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddItem(ctx, shirt(), 1, "L", "")
	f.store.AddItem(ctx, shirt(), 1, "M", "")

	st := f.store.Snapshot()
	require.Len(t, st.Items, 2)
	assert.Equal(t, "L", st.Items[0].SelectedSize)
	assert.Equal(t, "M", st.Items[1].SelectedSize)
}

func TestGuestAdd_RejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t)

	f.store.AddItem(context.Background(), shirt(), 0, "L", "")

	assert.Empty(t, f.store.Snapshot().Items)
	assert.Equal(t, "info", f.notifier.last().kind)
}

func TestGuest_TotalsHoldAfterEveryOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []func(){
		func() { f.store.AddItem(ctx, socks(), 3, "", "") },
		func() { f.store.AddItem(ctx, shirt(), 2, "L", "") },
		func() { f.store.UpdateQuantity(ctx, socks().ID, 7) },
		func() { f.store.AddItem(ctx, socks(), 1, "", "") },
		func() { f.store.UpdateQuantity(ctx, socks().ID, 2) },
		func() { f.store.RemoveItem(ctx, shirt().ID) },
		func() { f.store.UpdateQuantity(ctx, socks().ID, 5) },
	}
	for _, step := range steps {
		step()
		requireTotalsConsistent(t, f.store.Snapshot())
	}

	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 5, st.Items[0].Quantity)
	assert.True(t, st.Items[0].LineTotal.Equal(decimal.RequireFromString("16.65")), st.Items[0].LineTotal.String())
}

func TestGuestUpdateQuantity_KeepsCapturedPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddItem(ctx, shirt(), 2, "L", "")
	f.store.UpdateQuantity(ctx, shirt().ID, 5)

	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 5, st.Items[0].Quantity)
	assert.True(t, st.Items[0].LineTotal.Equal(decimal.NewFromInt(2500)))
}

func TestUpdateQuantity_NonPositiveEqualsRemove(t *testing.T) {
	build := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.store.AddItem(context.Background(), shirt(), 2, "L", "")
		f.store.AddItem(context.Background(), socks(), 1, "", "")
		return f
	}

	reference := build(t)
	reference.store.RemoveItem(context.Background(), shirt().ID)
	want := reference.store.Snapshot()

	for _, quantity := range []int{0, -1} {
		f := build(t)
		f.store.UpdateQuantity(context.Background(), shirt().ID, quantity)
		got := f.store.Snapshot()
		if diff := cmp.Diff(want, got, itemsCmp); diff != "" {
			t.Errorf("UpdateQuantity(%d) mismatch (-remove +update):\n%s", quantity, diff)
		}
	}
}

func TestGuestUpdateSize_AsksToSignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddItem(ctx, shirt(), 1, "L", "")

	f.store.UpdateSize(ctx, shirt().ID, "XL")

	st := f.store.Snapshot()
	assert.Equal(t, "L", st.Items[0].SelectedSize)
	assert.Empty(t, st.Error)
	assert.Equal(t, toast{"info", "Please sign in to change the size"}, f.notifier.last())
	assert.Zero(t, f.remote.count("size"))
}

func TestGuestClearCart_EmptiesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddItem(ctx, shirt(), 1, "L", "")

	f.store.ClearCart(ctx)

	assert.Empty(t, f.store.Snapshot().Items)
	_, err := f.cache.Load(ctx)
	assert.ErrorIs(t, err, localcache.ErrMiss)
}

func TestGuestCache_RoundTrip(t *testing.T) {
	kv := localcache.NewMemoryKV()
	first := newFixtureWithKV(t, kv)
	ctx := context.Background()

	first.store.AddItem(ctx, shirt(), 2, "L", "white")
	first.store.AddItem(ctx, socks(), 3, "", "")
	first.store.UpdateQuantity(ctx, socks().ID, 4)
	want := first.store.Snapshot().Items

	reloaded := newFixtureWithKV(t, kv)
	reloaded.store.SyncCart(ctx)

	got := reloaded.store.Snapshot()
	if diff := cmp.Diff(want, got.Items, itemsCmp); diff != "" {
		t.Errorf("reloaded items mismatch (-cached +reloaded):\n%s", diff)
	}
	requireTotalsConsistent(t, got)
	assert.False(t, got.IsLoading)
}

func TestGuestSync_CorruptCacheIsTreatedAsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, "guest-cart:client-1", []byte("{broken")))

	f.store.SyncCart(ctx)

	st := f.store.Snapshot()
	assert.Empty(t, st.Items)
	assert.Empty(t, st.Error)
	_, err := f.kv.Get(ctx, "guest-cart:client-1")
	assert.ErrorIs(t, err, localcache.ErrMiss)
}

func TestGuestSync_IncompatibleSchemaIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, "guest-cart:client-1", []byte(`{"schemaVersion":99,"items":[]}`)))

	f.store.SyncCart(ctx)

	assert.Empty(t, f.store.Snapshot().Items)
	_, err := f.kv.Get(ctx, "guest-cart:client-1")
	assert.ErrorIs(t, err, localcache.ErrMiss)
}

func TestGuestSync_ZeroQuantityLineIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := `{"schemaVersion":1,"items":[{"id":"x","productId":42,"product":{"id":42,"name":"Linen shirt","price":"500"},"quantity":0,"lineTotal":"0"}]}`
	require.NoError(t, f.kv.Set(ctx, "guest-cart:client-1", []byte(raw)))

	f.store.SyncCart(ctx)
	assert.Empty(t, f.store.Snapshot().Items)
	_, err := f.kv.Get(ctx, "guest-cart:client-1")
	assert.ErrorIs(t, err, localcache.ErrMiss)

	require.NotPanics(t, func() { f.store.UpdateQuantity(ctx, 42, 3) })
	assert.Empty(t, f.store.Snapshot().Items)
}

func TestGuestSync_DuplicateLinesAreDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := `{"schemaVersion":1,"items":[` +
		`{"id":"a","productId":42,"quantity":1,"selectedSize":"L","lineTotal":"500"},` +
		`{"id":"b","productId":42,"quantity":2,"selectedSize":"L","lineTotal":"1000"}]}`
	require.NoError(t, f.kv.Set(ctx, "guest-cart:client-1", []byte(raw)))

	f.store.SyncCart(ctx)

	assert.Empty(t, f.store.Snapshot().Items)
}

func TestGuestSetQuantity_ZeroStoredQuantityUsesProductPrice(t *testing.T) {
	g := &guestCart{lines: []domain.CartItem{
		{ProductID: 42, Product: shirt(), Quantity: 0, LineTotal: decimal.Zero},
	}}

	require.NotPanics(t, func() { g.setQuantity(42, 3) })
	assert.Equal(t, 3, g.lines[0].Quantity)
	assert.True(t, decimal.NewFromInt(1500).Equal(g.lines[0].LineTotal))
}

func TestLogin_RemoteCartReplacesGuestCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddItem(ctx, shirt(), 2, "L", "")
	f.store.AddItem(ctx, socks(), 1, "", "")

	f.store.SetSession(ctx, member("1"))

	st := f.store.Snapshot()
	assert.Equal(t, ModeAuthenticated, st.Mode)
	assert.Equal(t, "1", st.UserID)
	assert.Empty(t, st.Items)
	assert.Equal(t, 0, st.TotalItems)
	assert.True(t, st.TotalAmount.IsZero())
	require.NotNil(t, st.BackendCart)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, f.remote.count("get"))
	assert.Zero(t, f.remote.count("add"))
}

func TestLogin_ShowsRemoteCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(_ context.Context, token string) (*domain.CartSnapshot, error) {
		assert.Equal(t, "token-1", token)
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
	})

	f.store.SetSession(ctx, member("1"))

	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "srv-42-L", st.Items[0].ID)
	assert.Equal(t, 2, st.TotalItems)
	requireTotalsConsistent(t, st)

	cached, err := f.cache.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(st.Items, cached, itemsCmp); diff != "" {
		t.Errorf("cache mismatch (-state +cache):\n%s", diff)
	}
}

func TestLogin_FetchFailureFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddItem(ctx, shirt(), 2, "L", "")
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return nil, errRemoteDown
	})

	f.store.SetSession(ctx, member("1"))

	st := f.store.Snapshot()
	assert.Equal(t, ModeAuthenticated, st.Mode)
	require.Len(t, st.Items, 1)
	assert.Equal(t, 2, st.Items[0].Quantity)
	assert.Nil(t, st.BackendCart)
	assert.Equal(t, "sync cart: connection refused", st.Error)
	assert.False(t, st.IsLoading)
	assert.Equal(t, "failure", f.notifier.last().kind)
}

func TestMemberSync_FailureKeepsLastServerCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return snapshotOf(line(42, "Linen shirt", 500, 1, "L")), nil
	})
	f.store.SetSession(ctx, member("1"))
	before := f.store.Snapshot().Items

	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return nil, errRemoteDown
	})
	f.store.SyncCart(ctx)

	st := f.store.Snapshot()
	if diff := cmp.Diff(before, st.Items, itemsCmp); diff != "" {
		t.Errorf("items changed on failed sync:\n%s", diff)
	}
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, ModeAuthenticated, st.Mode)
}

func TestMemberAdd_ReplacesViewFromResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	var gotQuantity interface{}
	f.remote.setMutate(func(_ context.Context, op string, productID int64, arg interface{}) (*domain.CartSnapshot, error) {
		gotQuantity = arg
		return snapshotOf(line(productID, "Linen shirt", 500, 2, "")), nil
	})

	f.store.AddItem(ctx, shirt(), 2, "L", "white")

	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 2, gotQuantity)
	assert.Equal(t, 1, f.remote.count("add"))
	assert.Equal(t, 2, st.TotalItems)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, toast{"success", "Linen shirt added to cart"}, f.notifier.last())
}

func TestMemberRemove_FailurePreservesItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L"), line(7, "Socks", 3, 1, "")), nil
	})
	f.store.SetSession(ctx, member("1"))
	before := f.store.Snapshot().Items

	f.remote.setMutate(func(context.Context, string, int64, interface{}) (*domain.CartSnapshot, error) {
		return nil, errRemoteDown
	})
	f.store.RemoveItem(ctx, 42)

	st := f.store.Snapshot()
	if diff := cmp.Diff(before, st.Items, itemsCmp); diff != "" {
		t.Errorf("items changed on failed remove:\n%s", diff)
	}
	assert.Equal(t, "remove item: connection refused", st.Error)
	assert.Equal(t, toast{"failure", "Could not remove item"}, f.notifier.last())
}

func TestMemberUpdateQuantity_FailureReleasesSyncing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
	})
	f.store.SetSession(ctx, member("1"))
	before := f.store.Snapshot().Items

	f.remote.setMutate(func(context.Context, string, int64, interface{}) (*domain.CartSnapshot, error) {
		return nil, errRemoteDown
	})
	f.store.UpdateQuantity(ctx, 42, 5)

	st := f.store.Snapshot()
	if diff := cmp.Diff(before, st.Items, itemsCmp); diff != "" {
		t.Errorf("items changed on failed update:\n%s", diff)
	}
	assert.NotEmpty(t, st.Error)
	assert.False(t, st.IsSyncing)
}

func TestMemberSuccess_ClearsPreviousError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	f.remote.setMutate(func(context.Context, string, int64, interface{}) (*domain.CartSnapshot, error) {
		return nil, errRemoteDown
	})
	f.store.AddItem(ctx, shirt(), 1, "", "")
	require.NotEmpty(t, f.store.Snapshot().Error)

	f.remote.setMutate(nil)
	f.store.AddItem(ctx, shirt(), 1, "", "")
	assert.Empty(t, f.store.Snapshot().Error)
}

func TestMemberUpdateSize_GoesRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	var gotSize interface{}
	f.remote.setMutate(func(_ context.Context, _ string, productID int64, arg interface{}) (*domain.CartSnapshot, error) {
		gotSize = arg
		return snapshotOf(line(productID, "Linen shirt", 500, 1, "XL")), nil
	})
	f.store.UpdateSize(ctx, 42, "XL")

	st := f.store.Snapshot()
	assert.Equal(t, "XL", gotSize)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "XL", st.Items[0].SelectedSize)
}

func TestMemberClearCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
	})
	f.store.SetSession(ctx, member("1"))

	f.remote.mu.Lock()
	f.remote.clearErr = errRemoteDown
	f.remote.mu.Unlock()
	f.store.ClearCart(ctx)
	st := f.store.Snapshot()
	assert.Len(t, st.Items, 1)
	assert.Equal(t, "clear cart: connection refused", st.Error)

	f.remote.mu.Lock()
	f.remote.clearErr = nil
	f.remote.mu.Unlock()
	f.store.ClearCart(ctx)
	st = f.store.Snapshot()
	assert.Empty(t, st.Items)
	assert.Empty(t, st.Error)

	cached, err := f.cache.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestMember_StaleResponseIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	release := make(chan struct{})
	f.remote.setMutate(func(_ context.Context, _ string, productID int64, arg interface{}) (*domain.CartSnapshot, error) {
		quantity := arg.(int)
		if quantity == 2 {
			<-release
		}
		return snapshotOf(line(productID, "Linen shirt", 500, quantity, "L")), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.store.UpdateQuantity(ctx, 42, 2)
	}()
	require.Eventually(t, func() bool { return f.remote.count("quantity") == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.store.Snapshot().IsSyncing)

	f.store.UpdateQuantity(ctx, 42, 3)
	close(release)
	<-done

	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 3, st.Items[0].Quantity)
	assert.False(t, st.IsSyncing)
}

func TestMember_SlowReloadDoesNotOverwriteLaterAdd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	release := make(chan struct{})
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		<-release
		return snapshotOf(), nil
	})
	f.remote.setMutate(func(_ context.Context, _ string, productID int64, arg interface{}) (*domain.CartSnapshot, error) {
		return snapshotOf(line(productID, "Linen shirt", 500, arg.(int), "")), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.store.SyncCart(ctx)
	}()
	require.Eventually(t, func() bool { return f.remote.count("get") == 2 }, time.Second, time.Millisecond)

	f.store.AddItem(ctx, shirt(), 1, "", "")
	close(release)
	<-done

	st := f.store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, int64(42), st.Items[0].ProductID)
	assert.False(t, st.IsLoading)

	cached, err := f.cache.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)
}

func TestMember_ResponseAfterLogoutIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		<-release
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.store.SetSession(ctx, member("1"))
	}()
	require.Eventually(t, func() bool { return f.remote.count("get") == 1 }, time.Second, time.Millisecond)

	f.store.SetSession(ctx, nil)
	close(release)
	<-done

	st := f.store.Snapshot()
	assert.Equal(t, ModeGuest, st.Mode)
	assert.Empty(t, st.Items)
	assert.False(t, st.IsLoading)
}

func TestLogout_ResetsToEmptyGuestCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
	})
	f.store.SetSession(ctx, member("1"))
	require.Len(t, f.store.Snapshot().Items, 1)

	f.store.SetSession(ctx, nil)

	st := f.store.Snapshot()
	assert.Equal(t, ModeGuest, st.Mode)
	assert.Empty(t, st.UserID)
	assert.Empty(t, st.Items)
	assert.Nil(t, st.BackendCart)

	cached, err := f.cache.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestUserSwitch_Resyncs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(_ context.Context, token string) (*domain.CartSnapshot, error) {
		if token == "token-1" {
			return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
		}
		return snapshotOf(line(7, "Socks", 3, 5, "")), nil
	})

	f.store.SetSession(ctx, member("1"))
	f.store.SetSession(ctx, member("2"))

	st := f.store.Snapshot()
	assert.Equal(t, "2", st.UserID)
	require.Len(t, st.Items, 1)
	assert.Equal(t, int64(7), st.Items[0].ProductID)
	assert.Equal(t, 2, f.remote.count("get"))
}

func TestTokenRefresh_DoesNotResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	refreshed := member("1")
	refreshed.Token = "token-1-refreshed"
	f.store.SetSession(ctx, refreshed)
	assert.Equal(t, 1, f.remote.count("get"))

	var usedToken string
	f.remote.setGetCart(func(_ context.Context, token string) (*domain.CartSnapshot, error) {
		usedToken = token
		return nil, nil
	})
	f.store.SyncCart(ctx)
	assert.Equal(t, "token-1-refreshed", usedToken)
}

func TestSyncCart_ConcurrentCallsShareOneFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))
	require.Equal(t, 1, f.remote.count("get"))

	release := make(chan struct{})
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		<-release
		return snapshotOf(line(42, "Linen shirt", 500, 1, "L")), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.store.SyncCart(ctx)
		}()
	}
	require.Eventually(t, func() bool { return f.remote.count("get") == 2 }, time.Second, time.Millisecond)
	assert.True(t, f.store.Snapshot().IsLoading)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 2, f.remote.count("get"))
	assert.Len(t, f.store.Snapshot().Items, 1)
	assert.False(t, f.store.Snapshot().IsLoading)
}

func TestSyncCart_FirstCallerCancelDoesNotFailSharedLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSession(ctx, member("1"))

	release := make(chan struct{})
	f.remote.setGetCart(func(ctx context.Context, _ string) (*domain.CartSnapshot, error) {
		select {
		case <-release:
			return snapshotOf(line(42, "Linen shirt", 500, 1, "L")), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	firstCtx, cancelFirst := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.store.SyncCart(firstCtx)
	}()
	require.Eventually(t, func() bool { return f.remote.count("get") == 2 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		f.store.SyncCart(ctx)
	}()

	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	st := f.store.Snapshot()
	assert.Empty(t, st.Error)
	require.Len(t, st.Items, 1)
}

func TestAttach_FollowsProvider(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t)
	ctx := context.Background()
	f.remote.setGetCart(func(context.Context, string) (*domain.CartSnapshot, error) {
		return snapshotOf(line(42, "Linen shirt", 500, 2, "L")), nil
	})

	p := session.NewProvider(secret)
	unsubscribe := f.store.Attach(ctx, p)
	defer unsubscribe()
	assert.Equal(t, ModeGuest, f.store.Snapshot().Mode)

	token, err := session.IssueToken(secret, "1", "a@b.c", session.RoleCustomer, time.Hour)
	require.NoError(t, err)
	_, err = p.Login(ctx, token)
	require.NoError(t, err)

	st := f.store.Snapshot()
	assert.Equal(t, ModeAuthenticated, st.Mode)
	assert.Len(t, st.Items, 1)

	p.Logout(ctx)
	assert.Equal(t, ModeGuest, f.store.Snapshot().Mode)
	assert.Empty(t, f.store.Snapshot().Items)
}

func TestAttach_ConcurrentLoginLogoutEndsAsGuest(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t)
	ctx := context.Background()

	p := session.NewProvider(secret)
	unsubscribe := f.store.Attach(ctx, p)
	defer unsubscribe()

	loginSeen := make(chan struct{}, 1)
	p.Subscribe(func(_ context.Context, s *session.Session) {
		if s != nil {
			loginSeen <- struct{}{}
			time.Sleep(20 * time.Millisecond)
		}
	})

	token, err := session.IssueToken(secret, "1", "", session.RoleCustomer, time.Hour)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Login(ctx, token)
	}()
	<-loginSeen
	p.Logout(ctx)
	<-done

	assert.Nil(t, p.Current())
	assert.Equal(t, ModeGuest, f.store.Snapshot().Mode)
}

func TestOpenCloseToggle(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.store.Snapshot().IsOpen)
	f.store.OpenCart()
	assert.True(t, f.store.Snapshot().IsOpen)
	f.store.ToggleCart()
	assert.False(t, f.store.Snapshot().IsOpen)
	f.store.ToggleCart()
	assert.True(t, f.store.Snapshot().IsOpen)
	f.store.CloseCart()
	assert.False(t, f.store.Snapshot().IsOpen)
	assert.Zero(t, f.remote.count("get"))
}

func TestSnapshot_IsACopy(t *testing.T) {
	f := newFixture(t)
	f.store.AddItem(context.Background(), shirt(), 1, "L", "")

	st := f.store.Snapshot()
	st.Items[0].Quantity = 99
	st.Items[0].Product.Images[0] = "changed.jpg"

	again := f.store.Snapshot()
	assert.Equal(t, 1, again.Items[0].Quantity)
	assert.Equal(t, "shirt.jpg", again.Items[0].Product.Images[0])
}
