package brief

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "data", "brief.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Subscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g1 := Scope{Kind: KindGroup, ID: "1"}
	g2 := Scope{Kind: KindGroup, ID: "2"}
	a := CreatorRef{UID: "100", Name: "甲"}
	b := CreatorRef{UID: "200", Name: "乙"}

	require.NoError(t, s.AddSubscription(ctx, g1, a, 2))
	require.NoError(t, s.AddSubscription(ctx, g1, b, 2))
	require.NoError(t, s.AddSubscription(ctx, g2, a, 2))

	err := s.AddSubscription(ctx, g1, a, 2)
	require.ErrorIs(t, err, ErrAlreadySubscribed)

	err = s.AddSubscription(ctx, g1, CreatorRef{UID: "300"}, 2)
	require.ErrorIs(t, err, ErrLimitExceeded)

	subs, err := s.Subscriptions(ctx, g1)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "甲", subs[0].Creator.Name)

	creators, err := s.SubscribedCreators(ctx)
	require.NoError(t, err)
	require.Len(t, creators, 2)

	scopes, err := s.SubscribersOf(ctx, "100")
	require.NoError(t, err)
	require.ElementsMatch(t, []Scope{g1, g2}, scopes)

	removed, err := s.RemoveSubscription(ctx, g1, "200")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.RemoveSubscription(ctx, g1, "200")
	require.NoError(t, err)
	require.False(t, removed)

	// Orphaned creator is gone, shared one stays.
	_, ok, err := s.Creator(ctx, "200")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Creator(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_AdvanceLastUpload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := Scope{Kind: KindGroup, ID: "1"}
	require.NoError(t, s.AddSubscription(ctx, g, CreatorRef{UID: "100"}, 0))

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	v1 := VideoRef{ID: "BV1", UploadedAt: t0}
	v2 := VideoRef{ID: "BV2", UploadedAt: t0.Add(time.Hour)}

	ok, err := s.AdvanceLastUpload(ctx, "100", "", v1)
	require.NoError(t, err)
	require.True(t, ok, "baseline should apply")

	// A stale reader still believing the value is empty loses.
	ok, err = s.AdvanceLastUpload(ctx, "100", "", v2)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.AdvanceLastUpload(ctx, "100", "BV1", v2)
	require.NoError(t, err)
	require.True(t, ok)

	// Never backward.
	ok, err = s.AdvanceLastUpload(ctx, "100", "BV2", VideoRef{ID: "BV0", UploadedAt: t0.Add(-time.Hour)})
	require.NoError(t, err)
	require.False(t, ok)

	c, _, err := s.Creator(ctx, "100")
	require.NoError(t, err)
	require.Equal(t, "BV2", c.LastUploadID)
	require.True(t, c.LastUploadAt.Equal(v2.UploadedAt))

	// Re-subscribing from another scope keeps the recorded upload.
	require.NoError(t, s.AddSubscription(ctx, Scope{Kind: KindUser, ID: "9"}, CreatorRef{UID: "100", Name: "新名字"}, 0))
	c, _, err = s.Creator(ctx, "100")
	require.NoError(t, err)
	require.Equal(t, "BV2", c.LastUploadID)
	require.Equal(t, "新名字", c.Name)
}

func TestStore_PushTargets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := Scope{Kind: KindGroup, ID: "1"}
	d1 := Scope{Kind: KindGroup, ID: "2"}
	d2 := Scope{Kind: KindUser, ID: "3"}

	added, err := s.AddPushTarget(ctx, PushTarget{Owner: owner, Dest: d1})
	require.NoError(t, err)
	require.True(t, added)
	added, err = s.AddPushTarget(ctx, PushTarget{Owner: owner, Dest: d2})
	require.NoError(t, err)
	require.True(t, added)
	added, err = s.AddPushTarget(ctx, PushTarget{Owner: owner, Dest: d1})
	require.NoError(t, err)
	require.False(t, added, "duplicate target")

	ts, err := s.PushTargets(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []PushTarget{{Owner: owner, Dest: d1}, {Owner: owner, Dest: d2}}, ts)

	removed, err := s.RemovePushTarget(ctx, owner, "2")
	require.NoError(t, err)
	require.True(t, removed)
	ts, err = s.PushTargets(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []PushTarget{{Owner: owner, Dest: d2}}, ts)
}

func TestStore_Session(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	want := Session{Cookies: map[string]string{"SESSDATA": "x"}, Valid: true, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, s.SaveSession(ctx, want))
	got, ok, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Cookies, got.Cookies)
	require.True(t, got.CreatedAt.Equal(want.CreatedAt))

	require.NoError(t, s.DeleteSession(ctx))
	_, ok, err = s.LoadSession(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_PublishRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestPublishRecord(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Now()
	require.NoError(t, s.SavePublishRecord(ctx, PublishRecord{RunID: "r1", VideoID: "BV1", Status: PublishFailed, Error: "boom", At: at}))
	require.NoError(t, s.SavePublishRecord(ctx, PublishRecord{RunID: "r1", VideoID: "BV1", Status: PublishSuccess, DocURL: "https://feishu.cn/wiki/n1", At: at.Add(time.Second)}))

	rec, ok, err := s.LatestPublishRecord(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, PublishSuccess, rec.Status)
	require.Equal(t, "https://feishu.cn/wiki/n1", rec.DocURL)
	require.Empty(t, rec.Error)
}
