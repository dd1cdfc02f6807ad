package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

var (
	_ brief.MetadataFetcher  = (*Bilibili)(nil)
	_ brief.SubtitleFetcher  = (*Bilibili)(nil)
	_ brief.AudioDownloader  = (*Bilibili)(nil)
	_ brief.CreatorDirectory = (*Bilibili)(nil)
	_ brief.LinkResolver     = (*Bilibili)(nil)
	_ brief.LoginProvider    = (*Bilibili)(nil)
)

type cardData struct {
	Card struct {
		Mid  string `json:"mid"`
		Name string `json:"name"`
		Fans int64  `json:"fans"`
	} `json:"card"`
	Follower int64 `json:"follower"`
}

// LookupCreator loads a creator's name by UID.
func (b *Bilibili) LookupCreator(ctx context.Context, uid string) (brief.CreatorRef, error) {
	d, err := getJSON[cardData](ctx, b, "/x/web-interface/card", url.Values{"mid": {uid}}, false)
	if err != nil {
		return brief.CreatorRef{}, fmt.Errorf("creator %s: %w", uid, err)
	}
	if d.Card.Name == "" {
		return brief.CreatorRef{}, fmt.Errorf("creator %s: %w", uid, ErrNotFound)
	}
	return brief.CreatorRef{UID: uid, Name: d.Card.Name}, nil
}

type userSearchData struct {
	Result []struct {
		Mid   int64  `json:"mid"`
		Uname string `json:"uname"`
		Fans  int64  `json:"fans"`
	} `json:"result"`
}

// SearchCreators runs a user search. Names come back with <em> highlight
// markup, which is stripped.
func (b *Bilibili) SearchCreators(ctx context.Context, keyword string) ([]brief.CreatorCandidate, error) {
	params := url.Values{"search_type": {"bili_user"}, "keyword": {keyword}}
	d, err := getJSON[userSearchData](ctx, b, "/x/web-interface/wbi/search/type", params, true)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}
	out := make([]brief.CreatorCandidate, 0, len(d.Result))
	for _, r := range d.Result {
		out = append(out, brief.CreatorCandidate{
			UID:       strconv.FormatInt(r.Mid, 10),
			Name:      stripMarkup(r.Uname),
			Followers: r.Fans,
		})
	}
	return out, nil
}

// stripMarkup returns the text content of an HTML fragment.
func stripMarkup(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}

type arcSearchData struct {
	List struct {
		Vlist []struct {
			Bvid    string `json:"bvid"`
			Title   string `json:"title"`
			Created int64  `json:"created"`
			Length  string `json:"length"`
			Mid     int64  `json:"mid"`
		} `json:"vlist"`
	} `json:"list"`
}

// LatestUploads lists a creator's newest uploads, newest first.
func (b *Bilibili) LatestUploads(ctx context.Context, uid string, n int) ([]brief.VideoRef, error) {
	if n <= 0 {
		n = 1
	}
	params := url.Values{
		"mid":   {uid},
		"ps":    {strconv.Itoa(n)},
		"pn":    {"1"},
		"order": {"pubdate"},
	}
	d, err := getJSON[arcSearchData](ctx, b, "/x/space/wbi/arc/search", params, true)
	if err != nil {
		return nil, fmt.Errorf("uploads %s: %w", uid, err)
	}
	out := make([]brief.VideoRef, 0, len(d.List.Vlist))
	for _, v := range d.List.Vlist {
		if v.Bvid == "" {
			continue
		}
		out = append(out, brief.VideoRef{
			ID:         v.Bvid,
			CreatorID:  uid,
			Title:      v.Title,
			Duration:   parseLength(v.Length),
			UploadedAt: time.Unix(v.Created, 0).UTC(),
		})
	}
	return out, nil
}

// parseLength reads "mm:ss" or "hh:mm:ss".
func parseLength(s string) time.Duration {
	var total int
	for part := range strings.SplitSeq(strings.TrimSpace(s), ":") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

// ResolveShortLink follows one redirect of a b23.tv link.
func (b *Bilibili) ResolveShortLink(ctx context.Context, shortURL string) (string, error) {
	engine.IncrBiliRequests()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shortURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", engine.UserAgentChrome)
	resp, err := b.noRedirect.Do(req)
	if err != nil {
		engine.IncrBiliErrors()
		return "", fmt.Errorf("short link: %w: %w", engine.ErrTransient, err)
	}
	defer resp.Body.Close()

	loc := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode >= 400 || loc == "" {
		engine.IncrBiliErrors()
		return "", fmt.Errorf("short link %s: status %d: %w", shortURL, resp.StatusCode, ErrNotFound)
	}
	target, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("short link %s: bad location: %w", shortURL, err)
	}
	return target.String(), nil
}
