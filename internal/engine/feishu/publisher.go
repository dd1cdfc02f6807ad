package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
	"github.com/anatolykoptev/go_brief/internal/engine/mdblock"
)

const (
	maxTitleRunes  = 100
	fallbackTitle  = "B站视频总结"
	attemptTTL     = time.Hour
	imageUploadCap = 20 << 20
)

// PublisherConfig selects the wiki location and title format.
type PublisherConfig struct {
	SpaceID     string
	ParentNode  string
	TitlePrefix string
	Domain      string // feishu | lark

	// Fetch downloads remote images. nil uses engine.FetchBytes.
	Fetch func(ctx context.Context, url string) ([]byte, error)
}

// Publisher writes notes into a wiki space. Retries of the same publish
// token resume where the previous attempt stopped.
type Publisher struct {
	client *Client
	cfg    PublisherConfig

	mu       sync.Mutex
	attempts map[string]*attempt
}

var _ brief.DocumentPublisher = (*Publisher)(nil)

// attempt is the progress of one publish token.
type attempt struct {
	started     time.Time
	node        Node
	root        string
	nodes       []node
	converted   bool
	fetchFailed int
	appended    map[string][]CreatedBlock // chunk path → created blocks
	images      map[string]imageState     // image block id → outcome
}

type imageState int

const (
	imageOK imageState = iota + 1
	imageDeleted
	imageDegraded
)

// NewPublisher builds a Publisher on top of client.
func NewPublisher(client *Client, cfg PublisherConfig) *Publisher {
	if cfg.Fetch == nil {
		cfg.Fetch = func(ctx context.Context, url string) ([]byte, error) {
			f, err := engine.FetchBytes(ctx, url, nil, imageUploadCap)
			return f.Body, err
		}
	}
	return &Publisher{client: client, cfg: cfg, attempts: make(map[string]*attempt)}
}

// Publish creates the wiki node for req and fills it with the note.
func (p *Publisher) Publish(ctx context.Context, req brief.PublishRequest) (brief.PublishedDoc, error) {
	a := p.attempt(req.Token)

	if a.node.NodeToken == "" {
		title := BuildTitle(p.cfg.TitlePrefix, req.NoteTitle, req.VideoID)
		n, err := p.client.CreateNode(ctx, p.cfg.SpaceID, p.cfg.ParentNode, title)
		if err != nil {
			return brief.PublishedDoc{}, err
		}
		a.node = n
		slog.Info("feishu: wiki node created", slog.String("node", n.NodeToken), slog.String("title", title))
	}
	if a.root == "" {
		root, err := p.client.RootBlockID(ctx, a.node.ObjToken)
		if err != nil {
			return brief.PublishedDoc{}, err
		}
		a.root = root
	}
	if !a.converted {
		conv := &converter{fetch: p.cfg.Fetch}
		var nodes []node
		if req.VideoURL != "" {
			nodes = append(nodes, sourceLinkNode(req.VideoURL))
		}
		a.nodes = append(nodes, conv.nodes(ctx, mdblock.Parse(req.Markdown))...)
		a.fetchFailed = conv.imagesFailed
		a.converted = true
	}

	if err := p.write(ctx, a, a.root, "", a.nodes); err != nil {
		return brief.PublishedDoc{}, err
	}

	doc := brief.PublishedDoc{
		DocRef:       a.node.NodeToken,
		URL:          DocURL(p.cfg.Domain, a.node.NodeToken),
		ImagesFailed: a.fetchFailed,
	}
	for _, st := range a.images {
		if st == imageOK {
			doc.ImagesOK++
		} else {
			doc.ImagesFailed++
		}
	}
	p.finish(req.Token)
	return doc, nil
}

// attempt returns the progress for token, dropping stale entries.
func (p *Publisher) attempt(token string) *attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, a := range p.attempts {
		if now.Sub(a.started) > attemptTTL {
			delete(p.attempts, k)
		}
	}
	if a, ok := p.attempts[token]; ok && token != "" {
		return a
	}
	a := &attempt{
		started:  now,
		appended: make(map[string][]CreatedBlock),
		images:   make(map[string]imageState),
	}
	if token != "" {
		p.attempts[token] = a
	}
	return a
}

func (p *Publisher) finish(token string) {
	p.mu.Lock()
	delete(p.attempts, token)
	p.mu.Unlock()
}

// write appends nodes under parent in chunks, then descends into children
// and places images. Chunks recorded in a.appended are not sent again.
func (p *Publisher) write(ctx context.Context, a *attempt, parent, path string, nodes []node) error {
	doc := a.node.ObjToken
	for start := 0; start < len(nodes); start += maxChildrenPerCall {
		chunk := nodes[start:min(start+maxChildrenPerCall, len(nodes))]
		key := path + "/" + strconv.Itoa(start)

		created, ok := a.appended[key]
		if !ok {
			blocks := make([]Block, len(chunk))
			for i, n := range chunk {
				blocks[i] = n.block
			}
			var err error
			created, err = p.client.AppendChildren(ctx, doc, parent, blocks, -1)
			if err != nil {
				return fmt.Errorf("append %d blocks: %w", len(blocks), err)
			}
			a.appended[key] = created
		}

		for i, n := range chunk {
			id := created[i].BlockID
			if n.image != nil {
				if err := p.placeImage(ctx, a, parent, start+i, id, n.image); err != nil {
					return err
				}
			}
			if len(n.children) > 0 {
				if err := p.write(ctx, a, id, key+"."+strconv.Itoa(i), n.children); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// placeImage uploads media into an empty image block. A permanent upload
// failure swaps the block for its alt text at the same index.
func (p *Publisher) placeImage(ctx context.Context, a *attempt, parent string, index int, blockID string, img *pendingImage) error {
	doc := a.node.ObjToken
	switch a.images[blockID] {
	case imageOK, imageDegraded:
		return nil
	case imageDeleted:
		return p.insertAlt(ctx, a, parent, index, blockID, img)
	}

	token, err := p.client.UploadImage(ctx, doc, blockID, img.name, img.data)
	if err == nil {
		err = p.client.ReplaceImage(ctx, doc, blockID, token)
	}
	if err == nil {
		a.images[blockID] = imageOK
		return nil
	}
	if engine.IsTransient(err) {
		return err
	}

	slog.Warn("feishu: image upload failed, using alt text", slog.String("block", blockID), slog.Any("error", err))
	if err := p.client.DeleteChildren(ctx, doc, parent, index, index+1); err != nil {
		return fmt.Errorf("remove empty image block: %w", err)
	}
	a.images[blockID] = imageDeleted
	return p.insertAlt(ctx, a, parent, index, blockID, img)
}

func (p *Publisher) insertAlt(ctx context.Context, a *attempt, parent string, index int, blockID string, img *pendingImage) error {
	alt := altNode(img.alt, img.name)
	if _, err := p.client.AppendChildren(ctx, a.node.ObjToken, parent, []Block{alt.block}, index); err != nil {
		return fmt.Errorf("insert image alt text: %w", err)
	}
	a.images[blockID] = imageDegraded
	return nil
}

// sourceLinkNode is the first line of every document.
func sourceLinkNode(videoURL string) node {
	return node{block: textBlock([]mdblock.Inline{
		{Text: "原视频链接："},
		{Text: videoURL, Style: mdblock.Style{Link: videoURL}},
	})}
}

// BuildTitle formats "<prefix> - <heading> [<BV>]" within 100 runes. The
// heading is shortened first so the video id survives.
func BuildTitle(prefix, heading, videoID string) string {
	heading = strings.TrimSpace(heading)
	if heading == "" {
		heading = fallbackTitle
	}
	head := ""
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		head = prefix + " - "
	}
	tail := ""
	if videoID != "" {
		tail = " [" + videoID + "]"
	}
	room := maxTitleRunes - engine.RuneLen(head) - engine.RuneLen(tail)
	if room < 1 {
		return engine.TruncateRunes(head+heading+tail, maxTitleRunes, "")
	}
	return head + engine.TruncateRunes(heading, room, "") + tail
}

// DocURL is the browser link of a wiki node.
func DocURL(domain, nodeToken string) string {
	if domain == "lark" {
		return "https://www.larksuite.com/wiki/" + nodeToken
	}
	return "https://feishu.cn/wiki/" + nodeToken
}

// BaseURLFor returns the open platform host for a tenant domain.
func BaseURLFor(domain string) string {
	if domain == "lark" {
		return "https://open.larksuite.com"
	}
	return DefaultBaseURL
}
