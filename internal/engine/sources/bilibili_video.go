package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// Video metadata, subtitles and audio streams.

type viewData struct {
	Bvid     string `json:"bvid"`
	Cid      int64  `json:"cid"`
	Title    string `json:"title"`
	Desc     string `json:"desc"`
	Pic      string `json:"pic"`
	Tname    string `json:"tname"`
	Duration int64  `json:"duration"`
	Pubdate  int64  `json:"pubdate"`
	Owner    struct {
		Mid  int64  `json:"mid"`
		Name string `json:"name"`
	} `json:"owner"`
}

type tagItem struct {
	TagName string `json:"tag_name"`
}

// FetchMetadata loads the view record of a video. Results are cached.
func (b *Bilibili) FetchMetadata(ctx context.Context, v brief.VideoRef) (brief.VideoMeta, error) {
	key := engine.CacheKey("bili_view", v.ID)
	if m, ok := engine.CacheGetJSON[brief.VideoMeta](ctx, key); ok {
		return m, nil
	}

	d, err := getJSON[viewData](ctx, b, "/x/web-interface/view", url.Values{"bvid": {v.ID}}, false)
	if err != nil {
		return brief.VideoMeta{}, fmt.Errorf("view %s: %w", v.ID, err)
	}
	if d.Cid == 0 {
		return brief.VideoMeta{}, fmt.Errorf("view %s: no playable part: %w", v.ID, ErrNotFound)
	}

	id := d.Bvid
	if id == "" {
		id = v.ID
	}
	meta := brief.VideoMeta{
		VideoRef: brief.VideoRef{
			ID:         id,
			CreatorID:  strconv.FormatInt(d.Owner.Mid, 10),
			Title:      d.Title,
			Duration:   time.Duration(d.Duration) * time.Second,
			UploadedAt: time.Unix(d.Pubdate, 0).UTC(),
		},
		CID:         d.Cid,
		CreatorName: d.Owner.Name,
		Description: d.Desc,
		CoverURL:    d.Pic,
	}
	if d.Tname != "" {
		meta.Tags = append(meta.Tags, d.Tname)
	}
	if tags, err := getJSON[[]tagItem](ctx, b, "/x/tag/archive/tags", url.Values{"bvid": {id}}, false); err == nil {
		for _, t := range tags {
			if t.TagName != "" && t.TagName != d.Tname {
				meta.Tags = append(meta.Tags, t.TagName)
			}
		}
	} else {
		slog.Debug("bilibili: tags unavailable", slog.String("video", id), slog.Any("error", err))
	}

	engine.CacheSetJSON(ctx, key, meta, 0)
	return meta, nil
}

type playerData struct {
	Subtitle struct {
		Subtitles []subtitleTrack `json:"subtitles"`
	} `json:"subtitle"`
}

type subtitleTrack struct {
	Lan         string `json:"lan"`
	LanDoc      string `json:"lan_doc"`
	SubtitleURL string `json:"subtitle_url"`
}

type subtitleBody struct {
	Body []struct {
		From    float64 `json:"from"`
		To      float64 `json:"to"`
		Content string  `json:"content"`
	} `json:"body"`
}

// subtitlePreference ranks tracks; uploaded Chinese first, AI Chinese next.
var subtitlePreference = []string{"zh-CN", "zh-Hans", "zh", "ai-zh", "zh-Hant", "zh-HK", "zh-TW"}

// chooseSubtitle picks the preferred track, else the first one.
func chooseSubtitle(tracks []subtitleTrack) (subtitleTrack, bool) {
	var usable []subtitleTrack
	for _, t := range tracks {
		if t.SubtitleURL != "" {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return subtitleTrack{}, false
	}
	for _, lan := range subtitlePreference {
		for _, t := range usable {
			if strings.EqualFold(t.Lan, lan) {
				return t, true
			}
		}
	}
	return usable[0], true
}

// FetchSubtitles returns the best subtitle track. Subtitle lists are only
// complete for logged-in requests. No track yields an empty transcript.
func (b *Bilibili) FetchSubtitles(ctx context.Context, meta brief.VideoMeta) (brief.Transcript, error) {
	key := engine.CacheKey("bili_subs", meta.ID, strconv.FormatInt(meta.CID, 10))
	if t, ok := engine.CacheGetJSON[brief.Transcript](ctx, key); ok {
		return t, nil
	}

	params := url.Values{"bvid": {meta.ID}, "cid": {strconv.FormatInt(meta.CID, 10)}}
	d, err := getJSON[playerData](ctx, b, "/x/player/wbi/v2", params, true)
	if err != nil {
		return brief.Transcript{}, fmt.Errorf("player %s: %w", meta.ID, err)
	}
	track, ok := chooseSubtitle(d.Subtitle.Subtitles)
	if !ok {
		return brief.Transcript{Source: "subtitle"}, nil
	}

	subURL := track.SubtitleURL
	if strings.HasPrefix(subURL, "//") {
		subURL = "https:" + subURL
	}
	raw, err := b.fetch(ctx, http.MethodGet, subURL, b.headers(meta.URL(), ""), nil)
	if err != nil {
		return brief.Transcript{}, fmt.Errorf("subtitle %s: %w", track.Lan, err)
	}
	var body subtitleBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return brief.Transcript{}, fmt.Errorf("subtitle %s: decode: %w", track.Lan, err)
	}

	t := brief.Transcript{Language: track.Lan, Source: "subtitle"}
	for _, line := range body.Body {
		if text := strings.TrimSpace(line.Content); text != "" {
			t.Segments = append(t.Segments, brief.Segment{
				Start: seconds(line.From),
				End:   seconds(line.To),
				Text:  text,
			})
		}
	}
	if !t.Empty() {
		engine.CacheSetJSON(ctx, key, t, 0)
	}
	return t, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

type playURLData struct {
	Dash *struct {
		Audio []audioStream `json:"audio"`
	} `json:"dash"`
	Durl []struct {
		URL string `json:"url"`
	} `json:"durl"`
}

type audioStream struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BaseURL2  string   `json:"base_url"`
	BackupURL []string `json:"backupUrl"`
	Bandwidth int64    `json:"bandwidth"`
}

func (s audioStream) url() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	if s.BaseURL2 != "" {
		return s.BaseURL2
	}
	if len(s.BackupURL) > 0 {
		return s.BackupURL[0]
	}
	return ""
}

// chooseAudio picks the stream whose bandwidth is nearest the target bitrate.
func chooseAudio(streams []audioStream, kbps int) (audioStream, bool) {
	var (
		best     audioStream
		bestDiff = math.MaxFloat64
		found    bool
	)
	target := float64(kbps * 1000)
	for _, s := range streams {
		if s.url() == "" {
			continue
		}
		if d := math.Abs(float64(s.Bandwidth) - target); d < bestDiff {
			best, bestDiff, found = s, d, true
		}
	}
	return best, found
}

// DownloadAudio saves the audio track nearest the quality's bitrate.
func (b *Bilibili) DownloadAudio(ctx context.Context, meta brief.VideoMeta, q brief.Quality) (brief.AudioFile, error) {
	policy := q.Policy()
	params := url.Values{
		"bvid":  {meta.ID},
		"cid":   {strconv.FormatInt(meta.CID, 10)},
		"fnval": {"16"},
		"fnver": {"0"},
		"fourk": {"0"},
	}
	d, err := getJSON[playURLData](ctx, b, "/x/player/wbi/playurl", params, true)
	if err != nil {
		return brief.AudioFile{}, fmt.Errorf("playurl %s: %w", meta.ID, err)
	}

	var src string
	if d.Dash != nil {
		if s, ok := chooseAudio(d.Dash.Audio, policy.BitrateKbps); ok {
			src = s.url()
		}
	}
	if src == "" && len(d.Durl) > 0 {
		src = d.Durl[0].URL
	}
	if src == "" {
		return brief.AudioFile{}, fmt.Errorf("playurl %s: no audio stream: %w", meta.ID, ErrNotFound)
	}

	path, size, err := b.download(ctx, src, meta)
	if err != nil {
		return brief.AudioFile{}, err
	}
	slog.Info("bilibili: audio downloaded", slog.String("video", meta.ID), slog.Int64("bytes", size))
	return brief.AudioFile{Path: path, Size: size, Policy: policy}, nil
}

func (b *Bilibili) download(ctx context.Context, src string, meta brief.VideoMeta) (string, int64, error) {
	if err := os.MkdirAll(b.audioDir, 0o755); err != nil {
		return "", 0, err
	}
	resp, err := engine.RetryHTTP(ctx, engine.RetryConfig{MaxRetries: 2, InitialWait: b.retryWait, MaxWait: 5 * time.Second, Multiplier: 2}, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.UserAgentChrome)
		req.Header.Set("Referer", meta.URL())
		return b.http.Do(req)
	})
	if err != nil {
		return "", 0, fmt.Errorf("audio %s: %w", meta.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", 0, fmt.Errorf("audio %s: status %d", meta.ID, resp.StatusCode)
	}

	f, err := os.CreateTemp(b.audioDir, "bili-"+meta.ID+"-*.m4a")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, b.maxAudio+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > b.maxAudio {
		err = engine.ErrTooLarge
	}
	if err == nil && n == 0 {
		err = errors.New("empty audio stream")
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, fmt.Errorf("audio %s: %w", meta.ID, err)
	}
	return f.Name(), n, nil
}
