package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/chunkstore/memory"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/registry"
	badgerstore "github.com/marmos91/orchard/pkg/store/badger"
)

// Test helpers

type testEnv struct {
	ts      *httptest.Server
	server  *Server
	reg     *registry.Registry
	chunks  chunkstore.ChunkStore
	account *domain.Account
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, Config{})
}

func newTestEnvWithConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st, err := badgerstore.New(context.Background(), badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	account, err := reg.CreateAccount(context.Background(), "Tester", nil)
	require.NoError(t, err)

	chunks := memory.NewMemoryChunkStore()
	srv := New(st, reg, chunks, cfg)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, server: srv, reg: reg, chunks: chunks, account: account}
}

// call performs one wire request: params in the arguments query item, body
// as the binary payload. It returns the status code, the response body, and
// the response headers.
func (e *testEnv) call(t *testing.T, method, path string, params any, body []byte) (int, []byte, http.Header) {
	t.Helper()

	args, err := json.Marshal(params)
	require.NoError(t, err)

	u := e.ts.URL + path + "?arguments=" + url.QueryEscape(string(args))
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("x-domain", string(e.account.Identifier))
	req.Header.Set("x-authorization", e.account.Secret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data, resp.Header
}

// callJSON performs a request expected to succeed and decodes its JSON body.
func (e *testEnv) callJSON(t *testing.T, method, path string, params any, body []byte, out any) {
	t.Helper()

	status, data, _ := e.call(t, method, path, params, body)
	require.Equal(t, http.StatusOK, status, "body: %s", data)
	require.NoError(t, json.Unmarshal(data, out))
}

// wireError decodes the domain error riding in the X-API-Error header.
func wireError(t *testing.T, headers http.Header) domain.Error {
	t.Helper()

	raw := headers.Get(domain.ErrorHeader)
	require.NotEmpty(t, raw, "no error header")
	var de domain.Error
	require.NoError(t, json.Unmarshal([]byte(raw), &de))
	return de
}

// createFile uploads an inline file under the wire root and returns it.
func (e *testEnv) createFile(t *testing.T, parent domain.ItemID, name string, content []byte) domain.Entry {
	t.Helper()

	var ret createReturn
	e.callJSON(t, http.MethodPost, "/create", createParams{
		Parent: parent,
		Name:   name,
		Type:   domain.TypeFile,
	}, content, &ret)
	return ret.Item
}

// Dispatch mechanics

func TestDispatchAuth(t *testing.T) {
	e := newTestEnv(t)
	args := url.QueryEscape(`{"item_identifier":0}`)

	t.Run("missing domain header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/info?arguments="+args, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown domain", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/info?arguments="+args, nil)
		req.Header.Set("x-domain", "nobody.example.com")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, domain.KindDomainNotFound, wireError(t, resp.Header).Kind)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/info?arguments="+args, nil)
		req.Header.Set("x-domain", string(e.account.Identifier))
		req.Header.Set("x-authorization", "wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, domain.KindAuthRequired, wireError(t, resp.Header).Kind)
	})

	t.Run("missing arguments", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/info", nil)
		req.Header.Set("x-domain", string(e.account.Identifier))
		req.Header.Set("x-authorization", e.account.Secret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, domain.KindParameterError, wireError(t, resp.Header).Kind)
	})
}

func TestErrorRateInjection(t *testing.T) {
	e := newTestEnvWithConfig(t, Config{ErrorRate: 100, ErrorKind: FailClient})

	status, _, headers := e.call(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: domain.WireRootID}, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, domain.KindClientCrashing, wireError(t, headers).Kind)
}

// Items

func TestCreateFetchDownload(t *testing.T) {
	e := newTestEnv(t)

	item := e.createFile(t, domain.WireRootID, "notes.txt", []byte("hello orchard"))
	assert.Equal(t, "notes.txt", item.Name)
	assert.Equal(t, domain.WireRootID, item.Parent)
	assert.GreaterOrEqual(t, int64(item.ID), int64(domain.FirstDynamicID))
	assert.Equal(t, int64(13), item.Size)

	var fetched fetchItemReturn
	e.callJSON(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: item.ID}, nil, &fetched)
	assert.Equal(t, item.ID, fetched.Item.ID)

	status, body, headers := e.call(t, http.MethodGet, "/download", downloadItemParams{ItemIdentifier: item.ID}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("hello orchard"), body)

	// The entry rides in the API-Response header on binary responses.
	encoded := headers.Get("API-Response")
	require.NotEmpty(t, encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var dl downloadItemReturn
	require.NoError(t, json.Unmarshal(raw, &dl))
	assert.Equal(t, item.ID, dl.Item.ID)
}

func TestCreateDuplicate(t *testing.T) {
	e := newTestEnv(t)

	first := e.createFile(t, domain.WireRootID, "dup.txt", []byte("same bytes"))

	t.Run("same size merges", func(t *testing.T) {
		second := e.createFile(t, domain.WireRootID, "dup.txt", []byte("same bytes"))
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("failOnExisting rejects", func(t *testing.T) {
		status, _, headers := e.call(t, http.MethodPost, "/create", createParams{
			Parent:           domain.WireRootID,
			Name:             "dup.txt",
			Type:             domain.TypeFile,
			ConflictStrategy: conflictFailOnExisting,
		}, []byte("different length"))
		assert.Equal(t, http.StatusConflict, status)
		de := wireError(t, headers)
		assert.Equal(t, domain.KindItemExists, de.Kind)
		require.NotNil(t, de.Entry)
		assert.Equal(t, first.ID, de.Entry.ID)
	})

	t.Run("type mismatch rejects", func(t *testing.T) {
		status, _, headers := e.call(t, http.MethodPost, "/create", createParams{
			Parent: domain.WireRootID,
			Name:   "dup.txt",
			Type:   domain.TypeFolder,
		}, nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, domain.KindItemExists, wireError(t, headers).Kind)
	})

	t.Run("updateAlreadyExisting merges", func(t *testing.T) {
		var ret createReturn
		e.callJSON(t, http.MethodPost, "/create", createParams{
			Parent:           domain.WireRootID,
			Name:             "dup.txt",
			Type:             domain.TypeFile,
			ConflictStrategy: conflictUpdateAlreadyExisting,
		}, []byte("other"), &ret)
		assert.Equal(t, first.ID, ret.Item.ID)
	})
}

func TestModifyContentsConflictRetry(t *testing.T) {
	e := newTestEnv(t)
	item := e.createFile(t, domain.WireRootID, "doc.txt", []byte("v0"))

	// An upload based on a revision that is no longer live is kept as a
	// conflict revision instead of being rejected.
	var ret modifyContentsReturn
	e.callJSON(t, http.MethodPost, "/modifyContents", modifyContentsParams{
		Identifier:         item.ID,
		ExistingRevision:   domain.Version{Content: 99, Metadata: item.Revision.Metadata},
		ContentStorageType: domain.StorageDescriptor{Kind: domain.StorageInline},
	}, []byte("stale edit"), &ret)
	assert.False(t, ret.ContentAccepted)

	var conflicts conflictVersionsReturn
	e.callJSON(t, http.MethodPost, "/conflicts/list", conflictVersionsParams{Identifier: item.ID}, nil, &conflicts)
	assert.GreaterOrEqual(t, len(conflicts.Versions), 2)
}

func TestModifyMetadataRollback(t *testing.T) {
	e := newTestEnv(t)
	item := e.createFile(t, domain.WireRootID, "meta.txt", []byte("x"))

	name := "renamed.txt"
	var ok modifyMetadataReturn
	e.callJSON(t, http.MethodPost, "/modifyMetadata", modifyMetadataParams{
		ItemIdentifier:   item.ID,
		ExistingRevision: item.Revision,
		Filename:         &name,
	}, nil, &ok)
	assert.False(t, ok.MetadataWasRolledBack)
	assert.Equal(t, "renamed.txt", ok.Item.Name)

	// A stale metadata revision loses silently: 200 with the current state.
	stale := "other.txt"
	var rolled modifyMetadataReturn
	e.callJSON(t, http.MethodPost, "/modifyMetadata", modifyMetadataParams{
		ItemIdentifier:   item.ID,
		ExistingRevision: item.Revision,
		Filename:         &stale,
	}, nil, &rolled)
	assert.True(t, rolled.MetadataWasRolledBack)
	assert.Equal(t, "renamed.txt", rolled.Item.Name)
}

func TestTrashAndDelete(t *testing.T) {
	e := newTestEnv(t)
	item := e.createFile(t, domain.WireRootID, "junk.txt", []byte("x"))

	var trashed trashItemReturn
	e.callJSON(t, http.MethodPost, "/trash", trashItemParams{
		ItemIdentifier:   item.ID,
		ExistingRevision: item.Revision,
	}, nil, &trashed)
	assert.Equal(t, domain.WireTrashID, trashed.Item.Parent)

	var empty emptyReturn
	e.callJSON(t, http.MethodDelete, "/delete", deleteItemParams{
		ItemIdentifier:   item.ID,
		ExistingRevision: trashed.Item.Revision,
	}, nil, &empty)

	var fetched fetchItemReturn
	e.callJSON(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: item.ID}, nil, &fetched)
	assert.True(t, fetched.Item.Deleted)
}

// Enumeration

func TestListFolderAndChanges(t *testing.T) {
	e := newTestEnv(t)

	var before latestRankReturn
	e.callJSON(t, http.MethodPost, "/rank", latestRankParams{FolderIdentifier: domain.WireRootID}, nil, &before)
	require.NotEmpty(t, before.Rank)

	a := e.createFile(t, domain.WireRootID, "a.txt", []byte("a"))
	b := e.createFile(t, domain.WireRootID, "b.txt", []byte("b"))

	var listing listFolderReturn
	e.callJSON(t, http.MethodPost, "/list_folder", listFolderParams{
		FolderIdentifier: domain.WireRootID,
	}, nil, &listing)
	names := make([]string, 0, len(listing.Entries))
	for _, entry := range listing.Entries {
		names = append(names, entry.Name)
	}
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "b.txt")
	assert.Nil(t, listing.Cursor)

	var changes listChangesReturn
	e.callJSON(t, http.MethodPost, "/list_changes", listChangesParams{
		FolderIdentifier: domain.WireRootID,
		Recursive:        true,
		StartingRank:     before.Rank,
	}, nil, &changes)
	ids := make([]domain.ItemID, 0, len(changes.Entries))
	for _, entry := range changes.Entries {
		ids = append(ids, entry.ID)
	}
	assert.Contains(t, ids, a.ID)
	assert.Contains(t, ids, b.ID)
	assert.False(t, changes.HasMore)

	// Deletions surface as bare identifiers on the next poll.
	var empty emptyReturn
	e.callJSON(t, http.MethodDelete, "/delete", deleteItemParams{
		ItemIdentifier:   b.ID,
		ExistingRevision: b.Revision,
	}, nil, &empty)

	var after listChangesReturn
	e.callJSON(t, http.MethodPost, "/list_changes", listChangesParams{
		FolderIdentifier: domain.WireRootID,
		Recursive:        true,
		StartingRank:     changes.Rank,
	}, nil, &after)
	assert.Contains(t, after.DeletedEntries, b.ID)
}

func TestListChangesAnchors(t *testing.T) {
	e := newTestEnv(t)

	t.Run("malformed anchor", func(t *testing.T) {
		status, _, headers := e.call(t, http.MethodPost, "/list_changes", listChangesParams{
			FolderIdentifier: domain.WireRootID,
			StartingRank:     "not-an-anchor!",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, domain.KindParameterError, wireError(t, headers).Kind)
	})

	t.Run("anchor outlives reset", func(t *testing.T) {
		var before latestRankReturn
		e.callJSON(t, http.MethodPost, "/rank", latestRankParams{FolderIdentifier: domain.WireRootID}, nil, &before)

		var empty emptyReturn
		e.callJSON(t, http.MethodGet, "/account/anchor/reset", accountIdentifierParams{
			Identifier: e.account.Identifier,
		}, nil, &empty)

		status, _, headers := e.call(t, http.MethodPost, "/list_changes", listChangesParams{
			FolderIdentifier: domain.WireRootID,
			StartingRank:     before.Rank,
		}, nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, domain.KindTokenExpired, wireError(t, headers).Kind)
	})
}

// Chunks

func TestChunkEndpoints(t *testing.T) {
	e := newTestEnv(t)

	chunk := []byte("chunk payload")
	hash := chunkstore.HashChunk(chunk)

	var empty emptyReturn
	e.callJSON(t, http.MethodPost, "/createDataChunk", createChunkParams{HexEncodedSha256OfData: hash}, chunk, &empty)

	t.Run("hash mismatch rejected", func(t *testing.T) {
		status, _, headers := e.call(t, http.MethodPost, "/createDataChunk", createChunkParams{
			HexEncodedSha256OfData: hash,
		}, []byte("other bytes"))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, domain.KindParameterError, wireError(t, headers).Kind)
	})

	t.Run("existence check splits hashes", func(t *testing.T) {
		missing := chunkstore.HashChunk([]byte("never uploaded"))
		var ret checkChunkExistsReturn
		e.callJSON(t, http.MethodGet, "/checkChunkExists", checkChunkExistsParams{
			HexEncodedSha256OfChunksToCheck: []string{hash, missing},
		}, nil, &ret)
		assert.Equal(t, []string{hash}, ret.ChunksThatExist)
		assert.Equal(t, []string{missing}, ret.ChunksThatDoNotExist)
	})

	t.Run("download assembles chunked content", func(t *testing.T) {
		var created createReturn
		e.callJSON(t, http.MethodPost, "/create", createParams{
			Parent: domain.WireRootID,
			Name:   "chunked.bin",
			Type:   domain.TypeFile,
			ContentStorageType: &domain.StorageDescriptor{
				Kind: domain.StorageChunked,
				Chunks: &domain.ChunkList{
					Hashes:        []string{hash},
					ContentLength: int64(len(chunk)),
				},
			},
		}, nil, &created)

		status, body, _ := e.call(t, http.MethodGet, "/download", downloadItemParams{
			ItemIdentifier: created.Item.ID,
		}, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, chunk, body)
	})

	t.Run("missing chunk is not found", func(t *testing.T) {
		status, _, _ := e.call(t, http.MethodGet, "/getDataChunk", getChunkParams{
			HexEncodedSha256OfData: chunkstore.HashChunk([]byte("gone")),
		}, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

// Locks

func TestLockEndpoints(t *testing.T) {
	e := newTestEnv(t)
	item := e.createFile(t, domain.WireRootID, "locked.txt", []byte("x"))

	var empty emptyReturn
	e.callJSON(t, http.MethodPost, "/lock/ping", pingLockParams{
		Identifier:       item.ID,
		Owner:            "Tester",
		EnumerationIndex: 7,
	}, nil, &empty)

	var locks listLocksReturn
	e.callJSON(t, http.MethodPost, "/lock/debug/list", emptyParams{}, nil, &locks)
	require.Len(t, locks.Locks, 1)
	assert.Equal(t, item.ID, locks.Locks[0].ItemID)
	assert.Equal(t, "Tester", locks.Locks[0].Owner)

	e.callJSON(t, http.MethodPost, "/lock/remove", removeLockParams{
		Identifier:       item.ID,
		EnumerationIndex: 7,
	}, nil, &empty)

	e.callJSON(t, http.MethodPost, "/lock/debug/list", emptyParams{}, nil, &locks)
	assert.Empty(t, locks.Locks)
}

// Fault injection

func TestSimulatedErrors(t *testing.T) {
	e := newTestEnv(t)
	item := e.createFile(t, domain.WireRootID, "flaky.txt", []byte("x"))

	desc := "injected failure"
	var empty emptyReturn
	e.callJSON(t, http.MethodPost, "/error/debug/set", simulateErrorParams{
		Identifier: item.ID,
		AccessType: domain.AccessRead,
		Error:      &domain.SimulatedError{Domain: "test", Code: 42, Description: &desc},
	}, nil, &empty)

	status, _, headers := e.call(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: item.ID}, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	de := wireError(t, headers)
	assert.Equal(t, domain.KindSimulatedError, de.Kind)
	assert.Equal(t, "test", de.ErrorDomain)
	assert.Equal(t, 42, de.ErrorCode)

	// Writes are unaffected by a read-side error.
	var ret modifyContentsReturn
	e.callJSON(t, http.MethodPost, "/modifyContents", modifyContentsParams{
		Identifier:         item.ID,
		ExistingRevision:   item.Revision,
		ContentStorageType: domain.StorageDescriptor{Kind: domain.StorageInline},
	}, []byte("new"), &ret)
	assert.True(t, ret.ContentAccepted)

	// Clearing restores the read path.
	e.callJSON(t, http.MethodPost, "/error/debug/set", simulateErrorParams{
		Identifier: item.ID,
		AccessType: domain.AccessRead,
	}, nil, &empty)
	var fetched fetchItemReturn
	e.callJSON(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: item.ID}, nil, &fetched)
	assert.Equal(t, item.ID, fetched.Item.ID)
}

// Accounts plane

func TestAccountsPlane(t *testing.T) {
	e := newTestEnv(t)

	var info accountInfoReturn
	e.callJSON(t, http.MethodPost, "/account/info", emptyParams{}, nil, &info)
	assert.True(t, info.Standalone)
	assert.GreaterOrEqual(t, info.ItemCount, 2)

	var created createAccountReturn
	e.callJSON(t, http.MethodPost, "/account/create", createAccountParams{DisplayName: "Second"}, nil, &created)
	assert.NotEmpty(t, created.Account.Identifier)
	assert.NotEmpty(t, created.Account.Secret)

	var list listAccountsReturn
	e.callJSON(t, http.MethodPost, "/account/list", emptyParams{}, nil, &list)
	assert.Len(t, list.Accounts, 2)

	var empty emptyReturn
	e.callJSON(t, http.MethodPost, "/account/remove", removeAccountParams{
		Identifiers: []domain.AccountID{created.Account.Identifier},
	}, nil, &empty)
	e.callJSON(t, http.MethodPost, "/account/list", emptyParams{}, nil, &list)
	assert.Len(t, list.Accounts, 1)
}

func TestOfflineMode(t *testing.T) {
	e := newTestEnv(t)

	var mode offlineModeReturn
	e.callJSON(t, http.MethodPost, "/account/offline/set", offlineModeParams{
		Identifier:    e.account.Identifier,
		EnableOffline: true,
	}, nil, &mode)
	assert.True(t, mode.Offline)

	// Every data-plane call against an offline account times out.
	status, _, headers := e.call(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: domain.WireRootID}, nil)
	assert.Equal(t, http.StatusRequestTimeout, status)
	assert.Equal(t, domain.KindTimedOut, wireError(t, headers).Kind)

	e.callJSON(t, http.MethodPost, "/account/offline/set", offlineModeParams{
		Identifier: e.account.Identifier,
	}, nil, &mode)
	assert.False(t, mode.Offline)

	var fetched fetchItemReturn
	e.callJSON(t, http.MethodPost, "/info", fetchItemParams{ItemIdentifier: domain.WireRootID}, nil, &fetched)
	assert.Equal(t, domain.WireRootID, fetched.Item.ID)
}
