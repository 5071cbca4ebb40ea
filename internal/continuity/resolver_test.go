package continuity

import (
	"context"
	"errors"
	"testing"

	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/platform"
	"github.com/haruka/tensei/internal/scoped"
)

type mockStarter struct {
	startFn func(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error)
	calls   int
}

func (m *mockStarter) StartStory(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error) {
	m.calls++
	if m.startFn != nil {
		return m.startFn(ctx, identityID, wish)
	}
	return nil, errors.New("not configured")
}

var _ NarrativeStarter = (*mockStarter)(nil)

func newTestResolver(starter *mockStarter) (*Resolver, *scoped.Store) {
	store := scoped.NewStore(platform.NewMemoryArea().Attach())
	return NewResolver(store, starter, nil, nil), store
}

func snapshotWithNode(nodeID int64) *model.GameStateSnapshot {
	return &model.GameStateSnapshot{SessionID: 1, NodeID: nodeID, Text: "本文", Choices: []string{"a"}}
}

func TestResolve_ExplicitSlotWinsAndIsConsumedOnce(t *testing.T) {
	ctx := context.Background()
	starter := &mockStarter{}
	r, _ := newTestResolver(starter)

	// 優先度の低いソースも同時に積んでおく
	if err := r.SetPendingWish(ctx, "u1", "海賊"); err != nil {
		t.Fatalf("SetPendingWish failed: %v", err)
	}
	r.SetExplicit("u1", snapshotWithNode(7))

	res, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Source != SourceExplicit {
		t.Fatalf("source = %s, want explicit", res.Source)
	}
	if res.Snapshot.NodeID != 7 {
		t.Errorf("node = %d, want 7", res.Snapshot.NodeID)
	}
	if starter.calls != 0 {
		t.Error("lower-priority wish must be ignored when explicit slot is set")
	}

	// 2回目のResolveでは明示スロットは空。次の優先ソース（願い）が選ばれる。
	starter.startFn = func(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error) {
		return snapshotWithNode(1), nil
	}
	res2, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if res2.Source != SourceFreshWish {
		t.Errorf("second source = %s, want fresh_wish", res2.Source)
	}
}

func TestResolve_ExplicitSlotForOtherIdentityIsDiscarded(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(&mockStarter{})

	r.SetExplicit("someone-else", snapshotWithNode(9))

	res, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Source != SourceColdStart {
		t.Errorf("source = %s, want cold_start", res.Source)
	}

	// 残骸は破棄済みで、元の持ち主にも渡らない
	res2, err := r.Resolve(ctx, "someone-else")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res2.Source != SourceColdStart {
		t.Errorf("stale slot leaked: source = %s", res2.Source)
	}
}

func TestResolve_RestoreSlotIsClearedBeforeUse(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(&mockStarter{})

	if err := r.SetPendingRestore(ctx, "u1", snapshotWithNode(21)); err != nil {
		t.Fatalf("SetPendingRestore failed: %v", err)
	}

	res, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Source != SourceRestore || res.Snapshot.NodeID != 21 {
		t.Errorf("resolution = %+v, want restore node 21", res)
	}

	// スロットは消費済み
	if _, ok, _ := store.Get(ctx, "u1", pendingRestoreKey); ok {
		t.Error("restore slot should be cleared by resolution")
	}
	res2, _ := r.Resolve(ctx, "u1")
	if res2.Source != SourceColdStart {
		t.Errorf("second Resolve source = %s, want cold_start", res2.Source)
	}
}

func TestResolve_MalformedRestoreFallsThrough(t *testing.T) {
	ctx := context.Background()
	starter := &mockStarter{
		startFn: func(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error) {
			return snapshotWithNode(1), nil
		},
	}
	r, store := newTestResolver(starter)

	if err := store.Set(ctx, "u1", pendingRestoreKey, "{broken"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.SetPendingWish(ctx, "u1", "魔法学院の学生"); err != nil {
		t.Fatalf("SetPendingWish failed: %v", err)
	}

	res, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Source != SourceFreshWish {
		t.Errorf("source = %s, want fresh_wish after malformed restore", res.Source)
	}
	if _, ok, _ := store.Get(ctx, "u1", pendingRestoreKey); ok {
		t.Error("malformed restore slot should still be consumed")
	}
}

// 願いソースは非同期の生成開始より前にクリアされる。
// 生成中の再入が同じ願いを二度適用することはない。
func TestResolve_WishClearedBeforeGenerationStarts(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(nil)
	starter := &mockStarter{}
	starter.startFn = func(c context.Context, identityID, wish string) (*model.GameStateSnapshot, error) {
		// 生成が始まった時点で、願いスロットは既に空でなければならない
		if _, ok, _ := store.Get(c, identityID, pendingWishKey); ok {
			t.Error("pending wish must be cleared before StartStory begins")
		}
		if wish != "星間探検家" {
			t.Errorf("wish = %q, want 星間探検家", wish)
		}
		return snapshotWithNode(1), nil
	}
	r.starter = starter

	if err := r.SetPendingWish(ctx, "u1", "星間探検家"); err != nil {
		t.Fatalf("SetPendingWish failed: %v", err)
	}

	res, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Source != SourceFreshWish {
		t.Errorf("source = %s, want fresh_wish", res.Source)
	}
	if starter.calls != 1 {
		t.Errorf("StartStory calls = %d, want 1", starter.calls)
	}
}

func TestResolve_StarterFailureSurfacesError(t *testing.T) {
	ctx := context.Background()
	starter := &mockStarter{
		startFn: func(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error) {
			return nil, errors.New("engine unavailable")
		},
	}
	r, store := newTestResolver(starter)

	if err := r.SetPendingWish(ctx, "u1", "騎士"); err != nil {
		t.Fatalf("SetPendingWish failed: %v", err)
	}

	if _, err := r.Resolve(ctx, "u1"); err == nil {
		t.Fatal("Resolve should surface starter failure")
	}
	// クリア済みのため、同じ願いが再適用されることはない
	if _, ok, _ := store.Get(ctx, "u1", pendingWishKey); ok {
		t.Error("wish slot must be consumed even when generation fails")
	}
}

func TestResolve_ColdStartWhenNoSources(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(&mockStarter{})

	res, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Source != SourceColdStart {
		t.Errorf("source = %s, want cold_start", res.Source)
	}
	if res.Snapshot != nil {
		t.Error("cold start resolution must not carry a snapshot")
	}
}

func TestSetPendingWish_RejectsEmptyWish(t *testing.T) {
	r, _ := newTestResolver(&mockStarter{})
	err := r.SetPendingWish(context.Background(), "u1", "")
	if !model.HasCode(err, model.ErrCodeEmptyWish) {
		t.Errorf("err = %v, want EMPTY_WISH", err)
	}
}
