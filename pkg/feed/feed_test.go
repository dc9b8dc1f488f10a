package feed_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/orchard/internal/server"
	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/chunkstore/memory"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/feed"
	"github.com/marmos91/orchard/pkg/registry"
	badgerstore "github.com/marmos91/orchard/pkg/store/badger"
)

// Test helpers

type feedEnv struct {
	ts      *httptest.Server
	reg     *registry.Registry
	chunks  chunkstore.ChunkStore
	account *domain.Account
	client  *feed.Client
}

func newFeedEnv(t *testing.T) *feedEnv {
	t.Helper()

	st, err := badgerstore.New(context.Background(), badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	account, err := reg.CreateAccount(context.Background(), "Replica", nil)
	require.NoError(t, err)

	chunks := memory.NewMemoryChunkStore()
	srv := server.New(st, reg, chunks, server.Config{})
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := feed.New(feed.Config{
		BaseURL: ts.URL,
		Domain:  account.Identifier,
		Secret:  account.Secret,

		// Small bounds so short test payloads still exercise chunking.
		InlineLimit:  256,
		MinChunkSize: 64,
		MaxChunkSize: 256,
	})

	return &feedEnv{ts: ts, reg: reg, chunks: chunks, account: account, client: client}
}

// testSink collects enumerated entries keyed by identifier.
type testSink struct {
	mu      sync.Mutex
	entries map[domain.ItemID]domain.Entry
	deleted []domain.ItemID
}

func newTestSink() *testSink {
	return &testSink{entries: make(map[domain.ItemID]domain.Entry)}
}

func (s *testSink) ApplyEntries(entries []domain.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.ID] = e
	}
}

func (s *testSink) ApplyDeletions(ids []domain.ItemID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
}

func (s *testSink) entry(id domain.ItemID) (domain.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *testSink) wasDeleted(id domain.ItemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deleted {
		if d == id {
			return true
		}
	}
	return false
}

// stepUntilIdle drives the enumerator until it settles in the idle state.
func stepUntilIdle(t *testing.T, e *feed.Enumerator) {
	t.Helper()
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Step(context.Background()))
		if e.State() == feed.StateIdle {
			return
		}
	}
	t.Fatalf("enumerator did not reach idle, stuck in %s", e.State())
}

// Client tests

func TestClientUploadDownloadInline(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	content := []byte("hello from the replica")
	entry, err := env.client.UploadFile(ctx, domain.WireRootID, "notes.txt", content)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", entry.Name)
	assert.Equal(t, int64(len(content)), entry.Size)
	assert.Equal(t, domain.WireRootID, entry.Parent)

	fetched, err := env.client.FetchItem(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, fetched.ID)

	got, data, err := env.client.Download(ctx, entry.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, content, data)
}

func TestClientChunkedUpload(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	// Well above the inline limit, so the payload travels as chunks.
	content := bytes.Repeat([]byte("0123456789abcdef"), 256)
	entry, err := env.client.UploadFile(ctx, domain.WireRootID, "blob.bin", content)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), entry.Size)

	_, data, err := env.client.Download(ctx, entry.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// Re-uploading identical content finds every chunk already present.
	again, err := env.client.UploadFile(ctx, domain.WireRootID, "copy.bin", content)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), again.Size)
}

func TestClientModifyAndRename(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	entry, err := env.client.UploadFile(ctx, domain.WireRootID, "doc.txt", []byte("v1"))
	require.NoError(t, err)
	stale := entry.Revision

	updated, accepted, err := env.client.ModifyContents(ctx, entry.ID, entry.Revision, []byte("v2"))
	require.NoError(t, err)
	assert.True(t, accepted)

	renamed, rolledBack, err := env.client.Rename(ctx, entry.ID, updated.Revision, "renamed.txt")
	require.NoError(t, err)
	assert.False(t, rolledBack)
	assert.Equal(t, "renamed.txt", renamed.Name)

	// A stale metadata revision is rolled back, not rejected.
	current, rolledBack, err := env.client.Rename(ctx, entry.ID, stale, "ignored.txt")
	require.NoError(t, err)
	assert.True(t, rolledBack)
	assert.Equal(t, "renamed.txt", current.Name)
}

func TestClientTrashAndDelete(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	entry, err := env.client.UploadFile(ctx, domain.WireRootID, "junk.txt", []byte("x"))
	require.NoError(t, err)

	trashed, err := env.client.Trash(ctx, entry.ID, entry.Revision)
	require.NoError(t, err)
	assert.Equal(t, domain.WireTrashID, trashed.Parent)

	require.NoError(t, env.client.Delete(ctx, entry.ID, trashed.Revision, false))

	gone, err := env.client.FetchItem(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, gone.Deleted)
}

func TestClientErrorMapping(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	_, err := env.client.FetchItem(ctx, domain.ItemID(424242))
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.KindItemNotFound, de.Kind)

	intruder := feed.New(feed.Config{
		BaseURL: env.ts.URL,
		Domain:  env.account.Identifier,
		Secret:  "wrong-secret",
	})
	_, err = intruder.LatestRank(ctx)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.KindAuthRequired, de.Kind)
}

// Enumerator tests

func TestEnumeratorInitialSync(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	folder, err := env.client.CreateFolder(ctx, domain.WireRootID, "docs")
	require.NoError(t, err)
	file, err := env.client.UploadFile(ctx, folder.ID, "a.txt", []byte("aaa"))
	require.NoError(t, err)

	sink := newTestSink()
	enum := feed.NewEnumerator(env.client, domain.WireRootID, true, sink)
	assert.Equal(t, feed.StateFetchingAnchor, enum.State())

	stepUntilIdle(t, enum)
	assert.NotEmpty(t, enum.Anchor())

	got, ok := sink.entry(folder.ID)
	require.True(t, ok)
	assert.Equal(t, "docs", got.Name)
	_, ok = sink.entry(file.ID)
	assert.True(t, ok)
}

func TestEnumeratorIncrementalChanges(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	sink := newTestSink()
	enum := feed.NewEnumerator(env.client, domain.WireRootID, true, sink)
	stepUntilIdle(t, enum)

	// A new file shows up on the next poll.
	created, err := env.client.UploadFile(ctx, domain.WireRootID, "late.txt", []byte("zzz"))
	require.NoError(t, err)
	stepUntilIdle(t, enum)
	got, ok := sink.entry(created.ID)
	require.True(t, ok)
	assert.Equal(t, "late.txt", got.Name)

	// So does a deletion.
	require.NoError(t, env.client.Delete(ctx, created.ID, got.Revision, false))
	stepUntilIdle(t, enum)
	assert.True(t, sink.wasDeleted(created.ID))
}

func TestEnumeratorAnchorExpiry(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	sink := newTestSink()
	enum := feed.NewEnumerator(env.client, domain.WireRootID, true, sink)
	stepUntilIdle(t, enum)
	require.NotEmpty(t, enum.Anchor())

	// Invalidating the account's anchors forces a full re-enumeration.
	require.NoError(t, env.reg.ResetSyncAnchor(ctx, env.account.Identifier))

	require.NoError(t, enum.Step(ctx))
	assert.Equal(t, feed.StateFetchingAnchor, enum.State())
	assert.Empty(t, enum.Anchor())

	stepUntilIdle(t, enum)
	assert.NotEmpty(t, enum.Anchor())
}

func TestEnumeratorBackoff(t *testing.T) {
	dead := httptest.NewServer(nil)
	url := dead.URL
	dead.Close()

	client := feed.New(feed.Config{BaseURL: url, Domain: "nobody", Secret: "none"})
	enum := feed.NewEnumerator(client, domain.WireRootID, true, newTestSink())

	require.Error(t, enum.Step(context.Background()))
	assert.Equal(t, feed.StateError, enum.State())
	first := enum.Backoff()
	assert.Equal(t, 500*time.Millisecond, first)

	// Error recovers through FetchingAnchor; the next failure doubles the
	// backoff.
	require.NoError(t, enum.Step(context.Background()))
	assert.Equal(t, feed.StateFetchingAnchor, enum.State())
	require.Error(t, enum.Step(context.Background()))
	assert.Equal(t, 2*first, enum.Backoff())
}
