// Package feishu publishes notes as Feishu/Lark wiki documents.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// DefaultBaseURL is the open platform host for both feishu and lark tenants
// created on feishu.cn. Lark international tenants use open.larksuite.com.
const DefaultBaseURL = "https://open.feishu.cn"

// maxChildrenPerCall is the batch size the docx API accepts reliably.
const maxChildrenPerCall = 30

// Codes that mean the cached tenant token is no longer accepted.
const (
	codeTokenInvalid = 99991663
	codeTokenExpired = 99991668
	codeRateLimited  = 99991400
)

// APIError is a non-zero code in a Feishu response envelope.
type APIError struct {
	Code int
	Msg  string
	Op   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu %s: code %d: %s", e.Op, e.Code, e.Msg)
}

// ClientConfig configures a Client. BaseURL and HTTPClient are optional.
type ClientConfig struct {
	AppID      string
	AppSecret  string
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls the wiki, docx and drive APIs with a cached tenant token.
type Client struct {
	appID     string
	appSecret string
	baseURL   string
	http      *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = engine.Cfg.HTTPClient
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{appID: cfg.AppID, appSecret: cfg.AppSecret, baseURL: base, http: hc}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// TenantToken returns the cached tenant access token, refreshing it two
// minutes before the server-side expiry.
func (c *Client) TenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var out struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := c.send(req, "tenant_token", &out); err != nil {
		return "", err
	}
	if out.Code != 0 || out.Token == "" {
		return "", &APIError{Code: out.Code, Msg: out.Msg, Op: "tenant_token"}
	}

	ttl := max(60, out.Expire-120)
	c.token = out.Token
	c.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	slog.Debug("feishu: tenant token refreshed", slog.Int("ttl_s", ttl))
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// send executes req and decodes the JSON body into out.
func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("feishu %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("feishu %s: read body: %w", op, err)
	}
	if engine.IsRetryableStatus(resp.StatusCode) {
		return fmt.Errorf("feishu %s: %w", op, engine.StatusError(resp.StatusCode))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("feishu %s: status %d: decode: %w", op, resp.StatusCode, err)
	}
	return nil
}

// call sends an authorized request and unwraps the envelope into data.
func (c *Client) call(ctx context.Context, method, path, op string, payload, data any) error {
	token, err := c.TenantToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("feishu %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return c.unwrap(req, op, data)
}

func (c *Client) unwrap(req *http.Request, op string, data any) error {
	var env envelope
	if err := c.send(req, op, &env); err != nil {
		return err
	}
	switch env.Code {
	case 0:
	case codeTokenInvalid, codeTokenExpired:
		c.dropToken()
		return fmt.Errorf("%w: %w", engine.ErrTransient, &APIError{Code: env.Code, Msg: env.Msg, Op: op})
	case codeRateLimited:
		return fmt.Errorf("%w: %w", engine.ErrTransient, &APIError{Code: env.Code, Msg: env.Msg, Op: op})
	default:
		return &APIError{Code: env.Code, Msg: env.Msg, Op: op}
	}
	if data == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("feishu %s: decode data: %w", op, err)
	}
	return nil
}

// Node is a created wiki node and its backing docx document.
type Node struct {
	NodeToken string `json:"node_token"`
	ObjToken  string `json:"obj_token"`
}

// CreateNode creates a docx node in a wiki space.
func (c *Client) CreateNode(ctx context.Context, spaceID, parentNode, title string) (Node, error) {
	payload := map[string]any{
		"obj_type":  "docx",
		"node_type": "origin",
		"title":     title,
	}
	if parentNode != "" {
		payload["parent_node_token"] = parentNode
	}
	var out struct {
		Node Node `json:"node"`
	}
	path := "/open-apis/wiki/v2/spaces/" + url.PathEscape(spaceID) + "/nodes"
	if err := c.call(ctx, http.MethodPost, path, "create_node", payload, &out); err != nil {
		return Node{}, err
	}
	if out.Node.ObjToken == "" || out.Node.NodeToken == "" {
		return Node{}, errors.New("feishu create_node: response missing tokens")
	}
	return out.Node, nil
}

// RootBlockID returns the page block every top-level block is appended to.
func (c *Client) RootBlockID(ctx context.Context, docID string) (string, error) {
	var out struct {
		Items []struct {
			BlockID   string `json:"block_id"`
			BlockType int    `json:"block_type"`
		} `json:"items"`
	}
	path := "/open-apis/docx/v1/documents/" + url.PathEscape(docID) + "/blocks?page_size=200&document_revision_id=-1"
	if err := c.call(ctx, http.MethodGet, path, "root_block", nil, &out); err != nil {
		return "", err
	}
	for _, it := range out.Items {
		if it.BlockType == blockPage {
			return it.BlockID, nil
		}
	}
	// A fresh document's page block id equals the document id.
	return docID, nil
}

// CreatedBlock is one block returned by AppendChildren, in request order.
type CreatedBlock struct {
	BlockID   string `json:"block_id"`
	BlockType int    `json:"block_type"`
}

// AppendChildren inserts blocks under parent at index. index < 0 appends.
func (c *Client) AppendChildren(ctx context.Context, docID, parent string, blocks []Block, index int) ([]CreatedBlock, error) {
	payload := map[string]any{"children": blocks}
	if index >= 0 {
		payload["index"] = index
	}
	var out struct {
		Children []CreatedBlock `json:"children"`
	}
	path := "/open-apis/docx/v1/documents/" + url.PathEscape(docID) + "/blocks/" + url.PathEscape(parent) + "/children?document_revision_id=-1"
	if err := c.call(ctx, http.MethodPost, path, "append_children", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Children) != len(blocks) {
		return nil, fmt.Errorf("feishu append_children: created %d of %d blocks", len(out.Children), len(blocks))
	}
	return out.Children, nil
}

// DeleteChildren removes the children of parent in [start, end).
func (c *Client) DeleteChildren(ctx context.Context, docID, parent string, start, end int) error {
	path := "/open-apis/docx/v1/documents/" + url.PathEscape(docID) + "/blocks/" + url.PathEscape(parent) + "/children/batch_delete?document_revision_id=-1"
	return c.call(ctx, http.MethodDelete, path, "delete_children", map[string]int{"start_index": start, "end_index": end}, nil)
}

// UploadImage uploads data as the media of an image block and returns its file token.
func (c *Client) UploadImage(ctx context.Context, docID, blockID, name string, data []byte) (string, error) {
	token, err := c.TenantToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"file_name", name},
		{"parent_type", "docx_image"},
		{"parent_node", blockID},
		{"size", strconv.Itoa(len(data))},
		{"extra", `{"drive_route_token":"` + docID + `"}`},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/open-apis/drive/v1/medias/upload_all", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		FileToken string `json:"file_token"`
	}
	if err := c.unwrap(req, "upload_media", &out); err != nil {
		return "", err
	}
	if out.FileToken == "" {
		return "", errors.New("feishu upload_media: response missing file_token")
	}
	return out.FileToken, nil
}

// ReplaceImage points an image block at uploaded media.
func (c *Client) ReplaceImage(ctx context.Context, docID, blockID, fileToken string) error {
	path := "/open-apis/docx/v1/documents/" + url.PathEscape(docID) + "/blocks/" + url.PathEscape(blockID) + "?document_revision_id=-1"
	payload := map[string]any{"replace_image": map[string]string{"token": fileToken}}
	return c.call(ctx, http.MethodPatch, path, "replace_image", payload, nil)
}
