// Package feed is the replication client adapter: a typed HTTP client for
// the dispatch wire contract, plus the enumeration state machine a
// replication runtime drives to mirror one account's tree.
package feed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/marmos91/orchard/pkg/chunker"
	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/domain"
)

// Default transfer tuning. Payloads at or below InlineLimit travel in the
// request body; larger ones are content-defined-chunked and deduplicated
// against the server's chunk store.
const (
	DefaultInlineLimit  = 256 * 1024
	DefaultMinChunkSize = 16 * 1024 * 1024
	DefaultMaxChunkSize = 64 * 1024 * 1024
)

// Config configures a Client.
type Config struct {
	// BaseURL is the server's root URL, e.g. "http://localhost:8080".
	BaseURL string

	// Domain is the account identifier sent as x-domain.
	Domain domain.AccountID

	// Secret authenticates the account (x-authorization).
	Secret string

	// HTTPClient overrides the transport; nil uses http.DefaultClient.
	HTTPClient *http.Client

	// InlineLimit is the largest payload uploaded inline. Zero uses
	// DefaultInlineLimit.
	InlineLimit int64

	// MinChunkSize/MaxChunkSize bound content-defined chunks for uploads
	// above the inline limit. Zero uses the defaults.
	MinChunkSize int
	MaxChunkSize int
}

// Client is a typed HTTP client for one account against one server.
//
// Thread Safety:
// Safe for concurrent use; all state is immutable after New.
type Client struct {
	baseURL     string
	domainID    domain.AccountID
	secret      string
	http        *http.Client
	inlineLimit int64
	chunker     *chunker.Chunker
}

// New builds a client from cfg.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	inlineLimit := cfg.InlineLimit
	if inlineLimit == 0 {
		inlineLimit = DefaultInlineLimit
	}
	minChunk := cfg.MinChunkSize
	if minChunk == 0 {
		minChunk = DefaultMinChunkSize
	}
	maxChunk := cfg.MaxChunkSize
	if maxChunk == 0 {
		maxChunk = DefaultMaxChunkSize
	}

	return &Client{
		baseURL:     cfg.BaseURL,
		domainID:    cfg.Domain,
		secret:      cfg.Secret,
		http:        httpClient,
		inlineLimit: inlineLimit,
		chunker:     chunker.New(minChunk, maxChunk),
	}
}

// do performs one wire call: params ride in the arguments query item, body
// is the binary payload. The JSON return is decoded into out (from the body,
// or from the API-Response header when the response carries binary data);
// the binary response payload, if any, is returned.
func (c *Client) do(ctx context.Context, method, path string, params any, body []byte, out any) ([]byte, error) {
	args, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	u := c.baseURL + path + "?arguments=" + url.QueryEscape(string(args))
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-domain", string(c.domainID))
	req.Header.Set("x-authorization", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp, data)
	}

	if encoded := resp.Header.Get("API-Response"); encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("malformed API-Response header: %w", err)
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return data, nil
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil, nil
}

// decodeError turns a non-200 response into the server's typed error, or a
// synthetic internal error when the error header is missing or malformed.
func decodeError(resp *http.Response, body []byte) error {
	raw := resp.Header.Get(domain.ErrorHeader)
	if raw != "" {
		var de domain.Error
		if err := json.Unmarshal([]byte(raw), &de); err == nil && de.Kind != "" {
			return &de
		}
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// ============================================================================
// Enumeration
// ============================================================================

// FolderPage is one page of a full enumeration.
type FolderPage struct {
	Entries []domain.Entry `json:"entries"`
	Cursor  *int64         `json:"cursor"`
	Rank    string         `json:"rank"`
}

// ChangesPage is one page of an incremental enumeration.
type ChangesPage struct {
	Entries        []domain.Entry  `json:"entries"`
	DeletedEntries []domain.ItemID `json:"deleted_entries"`
	Rank           string          `json:"rank"`
	HasMore        bool            `json:"has_more"`
}

// LatestRank fetches the account's current sync anchor.
func (c *Client) LatestRank(ctx context.Context) (string, error) {
	var ret struct {
		Rank string `json:"rank"`
	}
	params := struct {
		FolderIdentifier domain.ItemID `json:"folder_identifier"`
	}{FolderIdentifier: domain.WireRootID}

	if _, err := c.do(ctx, http.MethodPost, "/rank", params, nil, &ret); err != nil {
		return "", err
	}
	return ret.Rank, nil
}

// ListFolder fetches one page of the full listing of folder. A nil cursor
// starts from the beginning; the page's cursor is nil once exhausted.
func (c *Client) ListFolder(ctx context.Context, folder domain.ItemID, recursive bool, cursor *int64) (*FolderPage, error) {
	params := struct {
		FolderIdentifier domain.ItemID `json:"folder_identifier"`
		Recursive        bool          `json:"recursive"`
		StartingCursor   int64         `json:"starting_cursor"`
	}{FolderIdentifier: folder, Recursive: recursive}
	if cursor != nil {
		params.StartingCursor = *cursor
	}

	var page FolderPage
	if _, err := c.do(ctx, http.MethodPost, "/list_folder", params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListChanges fetches everything mutated since the given anchor.
func (c *Client) ListChanges(ctx context.Context, folder domain.ItemID, recursive bool, anchor string) (*ChangesPage, error) {
	params := struct {
		FolderIdentifier domain.ItemID `json:"folder_identifier"`
		Recursive        bool          `json:"recursive"`
		StartingRank     string        `json:"starting_rank"`
	}{FolderIdentifier: folder, Recursive: recursive, StartingRank: anchor}

	var page ChangesPage
	if _, err := c.do(ctx, http.MethodPost, "/list_changes", params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ============================================================================
// Items
// ============================================================================

type itemReturn struct {
	Item domain.Entry `json:"item"`
}

// FetchItem fetches one entry by identifier.
func (c *Client) FetchItem(ctx context.Context, id domain.ItemID) (*domain.Entry, error) {
	params := struct {
		ItemIdentifier domain.ItemID `json:"item_identifier"`
	}{ItemIdentifier: id}

	var ret itemReturn
	if _, err := c.do(ctx, http.MethodPost, "/info", params, nil, &ret); err != nil {
		return nil, err
	}
	return &ret.Item, nil
}

// Download fetches an item's content. A nil revision selects the live one.
func (c *Client) Download(ctx context.Context, id domain.ItemID, revision *domain.Version) (*domain.Entry, []byte, error) {
	params := struct {
		ItemIdentifier    domain.ItemID   `json:"item_identifier"`
		RequestedRevision *domain.Version `json:"requested_revision,omitempty"`
		ResourceFork      bool            `json:"resource_fork"`
	}{ItemIdentifier: id, RequestedRevision: revision}

	var ret itemReturn
	data, err := c.do(ctx, http.MethodGet, "/download", params, nil, &ret)
	if err != nil {
		return nil, nil, err
	}
	return &ret.Item, data, nil
}

// CreateFolder creates a folder under parent.
func (c *Client) CreateFolder(ctx context.Context, parent domain.ItemID, name string) (*domain.Entry, error) {
	params := struct {
		Parent   domain.ItemID        `json:"parent"`
		Name     string               `json:"name"`
		Type     domain.EntryType     `json:"type"`
		Metadata domain.EntryMetadata `json:"metadata"`
	}{Parent: parent, Name: name, Type: domain.TypeFolder, Metadata: domain.FolderMetadata()}

	var ret itemReturn
	if _, err := c.do(ctx, http.MethodPost, "/create", params, nil, &ret); err != nil {
		return nil, err
	}
	return &ret.Item, nil
}

// UploadFile creates a file under parent. Small payloads go inline; larger
// ones are content-defined-chunked, deduplicated against the server, and
// referenced by hash.
func (c *Client) UploadFile(ctx context.Context, parent domain.ItemID, name string, data []byte) (*domain.Entry, error) {
	params := struct {
		Parent             domain.ItemID             `json:"parent"`
		Name               string                    `json:"name"`
		Type               domain.EntryType          `json:"type"`
		Metadata           domain.EntryMetadata      `json:"metadata"`
		ContentStorageType *domain.StorageDescriptor `json:"content_storage_type,omitempty"`
	}{Parent: parent, Name: name, Type: domain.TypeFile}

	var body []byte
	if int64(len(data)) <= c.inlineLimit {
		body = data
	} else {
		descriptor, err := c.uploadChunks(ctx, data)
		if err != nil {
			return nil, err
		}
		params.ContentStorageType = descriptor
	}

	var ret itemReturn
	if _, err := c.do(ctx, http.MethodPost, "/create", params, body, &ret); err != nil {
		return nil, err
	}
	return &ret.Item, nil
}

// uploadChunks chunks data, uploads the chunks the server does not already
// have, and returns the chunked storage descriptor.
func (c *Client) uploadChunks(ctx context.Context, data []byte) (*domain.StorageDescriptor, error) {
	ranges := c.chunker.Chunk(data)
	hashes := make([]string, len(ranges))
	byHash := make(map[string][]byte, len(ranges))
	for i, r := range ranges {
		chunk := data[r.Offset : r.Offset+r.Length]
		hash := chunkstore.HashChunk(chunk)
		hashes[i] = hash
		byHash[hash] = chunk
	}

	missing, err := c.missingChunks(ctx, hashes)
	if err != nil {
		return nil, err
	}
	for _, hash := range missing {
		if err := c.PutChunk(ctx, hash, byHash[hash]); err != nil {
			return nil, err
		}
	}

	return &domain.StorageDescriptor{
		Kind: domain.StorageChunked,
		Chunks: &domain.ChunkList{
			Hashes:        hashes,
			ContentLength: int64(len(data)),
		},
	}, nil
}

// missingChunks asks the server which of the given hashes it lacks.
func (c *Client) missingChunks(ctx context.Context, hashes []string) ([]string, error) {
	params := struct {
		Hashes []string `json:"hex_encoded_sha256_of_chunks_to_check"`
	}{Hashes: hashes}

	var ret struct {
		Missing []string `json:"chunks_that_do_not_exist"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/checkChunkExists", params, nil, &ret); err != nil {
		return nil, err
	}
	return ret.Missing, nil
}

// PutChunk uploads one chunk under its content hash.
func (c *Client) PutChunk(ctx context.Context, hash string, data []byte) error {
	params := struct {
		Hash string `json:"hex_encoded_sha256_of_data"`
	}{Hash: hash}

	_, err := c.do(ctx, http.MethodPost, "/createDataChunk", params, data, nil)
	return err
}

// ModifyContents uploads a new content revision. The bool result reports
// whether the content was accepted as the live revision; false means the
// upload was retained as a conflict and the caller should refetch.
func (c *Client) ModifyContents(ctx context.Context, id domain.ItemID, expected domain.Version, data []byte) (*domain.Entry, bool, error) {
	params := struct {
		Identifier         domain.ItemID            `json:"identifier"`
		ExistingRevision   domain.Version           `json:"existing_revision"`
		ContentStorageType domain.StorageDescriptor `json:"content_storage_type"`
	}{
		Identifier:         id,
		ExistingRevision:   expected,
		ContentStorageType: domain.StorageDescriptor{Kind: domain.StorageInline},
	}

	var ret struct {
		Item            domain.Entry `json:"item"`
		ContentAccepted bool         `json:"content_accepted"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/modifyContents", params, data, &ret); err != nil {
		return nil, false, err
	}
	return &ret.Item, ret.ContentAccepted, nil
}

// Rename changes an item's name. The bool result reports whether the change
// was rolled back because the caller's metadata revision was stale.
func (c *Client) Rename(ctx context.Context, id domain.ItemID, expected domain.Version, name string) (*domain.Entry, bool, error) {
	params := struct {
		ItemIdentifier   domain.ItemID        `json:"item_identifier"`
		ExistingRevision domain.Version       `json:"existing_revision"`
		Filename         *string              `json:"filename,omitempty"`
		Metadata         domain.EntryMetadata `json:"metadata"`
	}{ItemIdentifier: id, ExistingRevision: expected, Filename: &name}

	var ret struct {
		Item                  domain.Entry `json:"item"`
		MetadataWasRolledBack bool         `json:"metadata_was_rolled_back"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/modifyMetadata", params, nil, &ret); err != nil {
		return nil, false, err
	}
	return &ret.Item, ret.MetadataWasRolledBack, nil
}

// Delete tombstones an item.
func (c *Client) Delete(ctx context.Context, id domain.ItemID, expected domain.Version, recursive bool) error {
	params := struct {
		ItemIdentifier   domain.ItemID  `json:"item_identifier"`
		ExistingRevision domain.Version `json:"existing_revision"`
		RecursiveDelete  bool           `json:"recursive_delete"`
	}{ItemIdentifier: id, ExistingRevision: expected, RecursiveDelete: recursive}

	_, err := c.do(ctx, http.MethodDelete, "/delete", params, nil, nil)
	return err
}

// Trash moves an item into the account's trash folder.
func (c *Client) Trash(ctx context.Context, id domain.ItemID, expected domain.Version) (*domain.Entry, error) {
	params := struct {
		ItemIdentifier   domain.ItemID  `json:"item_identifier"`
		ExistingRevision domain.Version `json:"existing_revision"`
	}{ItemIdentifier: id, ExistingRevision: expected}

	var ret itemReturn
	if _, err := c.do(ctx, http.MethodPost, "/trash", params, nil, &ret); err != nil {
		return nil, err
	}
	return &ret.Item, nil
}
