package brief

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// InputForm is the classification of a free-form reference.
type InputForm string

const (
	FormVideoURL  InputForm = "video_url"
	FormShortLink InputForm = "short_link"
	FormVideoID   InputForm = "video_id"
	FormUID       InputForm = "uid"
	FormSpaceURL  InputForm = "space_url"
	FormNickname  InputForm = "nickname"
)

// RefKind says which canonical reference a resolution produced.
type RefKind int

const (
	RefVideo RefKind = iota + 1
	RefCreator
)

// Ref is a resolved reference: exactly one of Video or Creator is set.
type Ref struct {
	Kind    RefKind
	Form    InputForm
	Video   VideoRef
	Creator CreatorRef
}

var (
	videoURLRe  = regexp.MustCompile(`https?://(?:www\.|m\.)?bilibili\.com/video/(BV[0-9A-Za-z]{10})`)
	shortLinkRe = regexp.MustCompile(`https?://(?:b23\.tv|bili2233\.cn)/[0-9A-Za-z]+`)
	bvidRe      = regexp.MustCompile(`\bBV[0-9A-Za-z]{10}\b`)
	uidRe       = regexp.MustCompile(`^\d{1,20}$`)
	spaceURLRe  = regexp.MustCompile(`space\.bilibili\.com/(\d+)`)
	mdLinkRe    = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)\)`)
	angleLinkRe = regexp.MustCompile(`<(https?://[^>\s]+)>`)
)

// Classify returns the form of input and the payload extracted for it.
// Forms are tried in precedence order: video URL, short link, BV id,
// numeric UID, space URL, nickname.
func Classify(input string) (InputForm, string) {
	s := unwrapLinks(strings.TrimSpace(input))
	if s == "" {
		return "", ""
	}
	if m := videoURLRe.FindStringSubmatch(s); m != nil {
		return FormVideoURL, m[1]
	}
	if m := shortLinkRe.FindString(s); m != "" {
		return FormShortLink, m
	}
	if m := bvidRe.FindString(s); m != "" {
		return FormVideoID, m
	}
	if uidRe.MatchString(s) {
		return FormUID, s
	}
	if m := spaceURLRe.FindStringSubmatch(s); m != nil {
		return FormSpaceURL, m[1]
	}
	return FormNickname, s
}

// unwrapLinks turns [text](url) and <url> into the bare url.
func unwrapLinks(s string) string {
	s = mdLinkRe.ReplaceAllString(s, "$1")
	return angleLinkRe.ReplaceAllString(s, "$1")
}

// Resolver turns free-form input into canonical references.
type Resolver struct {
	dir   CreatorDirectory
	links LinkResolver
}

// NewResolver builds a resolver. links may be nil, disabling short links.
func NewResolver(dir CreatorDirectory, links LinkResolver) *Resolver {
	return &Resolver{dir: dir, links: links}
}

// Resolve classifies input and performs the lookup its form needs.
// Video forms never touch the creator directory.
func (r *Resolver) Resolve(ctx context.Context, input string) (Ref, error) {
	form, payload := Classify(input)
	switch form {
	case FormVideoURL, FormVideoID:
		return Ref{Kind: RefVideo, Form: form, Video: VideoRef{ID: payload}}, nil
	case FormShortLink:
		return r.resolveShortLink(ctx, payload)
	case FormUID, FormSpaceURL:
		return r.resolveUID(ctx, form, payload)
	case FormNickname:
		return r.resolveNickname(ctx, payload)
	}
	return Ref{}, ErrUnresolvedReference
}

// ResolveVideo is Resolve narrowed to videos.
func (r *Resolver) ResolveVideo(ctx context.Context, input string) (VideoRef, error) {
	ref, err := r.Resolve(ctx, input)
	if err != nil {
		return VideoRef{}, err
	}
	if ref.Kind != RefVideo {
		return VideoRef{}, fmt.Errorf("%q is not a video: %w", input, ErrUnresolvedReference)
	}
	return ref.Video, nil
}

// ResolveCreator is Resolve narrowed to creators.
func (r *Resolver) ResolveCreator(ctx context.Context, input string) (CreatorRef, error) {
	ref, err := r.Resolve(ctx, input)
	if err != nil {
		return CreatorRef{}, err
	}
	if ref.Kind != RefCreator {
		return CreatorRef{}, fmt.Errorf("%q is not a creator: %w", input, ErrUnresolvedReference)
	}
	return ref.Creator, nil
}

func (r *Resolver) resolveShortLink(ctx context.Context, link string) (Ref, error) {
	if r.links == nil {
		return Ref{}, ErrUnresolvedReference
	}
	target, err := r.links.ResolveShortLink(ctx, link)
	if err != nil {
		return Ref{}, fmt.Errorf("expand %s: %w: %w", link, ErrUnresolvedReference, err)
	}
	if m := bvidRe.FindString(target); m != "" {
		return Ref{Kind: RefVideo, Form: FormShortLink, Video: VideoRef{ID: m}}, nil
	}
	if m := spaceURLRe.FindStringSubmatch(target); m != nil {
		return r.resolveUID(ctx, FormShortLink, m[1])
	}
	return Ref{}, ErrUnresolvedReference
}

func (r *Resolver) resolveUID(ctx context.Context, form InputForm, uid string) (Ref, error) {
	c, err := r.dir.LookupCreator(ctx, uid)
	if err != nil {
		return Ref{}, fmt.Errorf("lookup uid %s: %w: %w", uid, ErrUnresolvedReference, err)
	}
	if c.UID == "" {
		c.UID = uid
	}
	return Ref{Kind: RefCreator, Form: form, Creator: c}, nil
}

// resolveNickname picks the unique exact match, else a single hit, else
// the top hit when it strictly out-follows the runner-up.
func (r *Resolver) resolveNickname(ctx context.Context, name string) (Ref, error) {
	hits, err := r.dir.SearchCreators(ctx, name)
	if err != nil {
		return Ref{}, fmt.Errorf("search %q: %w: %w", name, ErrUnresolvedReference, err)
	}
	if len(hits) == 0 {
		return Ref{}, ErrUnresolvedReference
	}

	var exact []CreatorCandidate
	for _, h := range hits {
		if strings.EqualFold(strings.TrimSpace(h.Name), name) {
			exact = append(exact, h)
		}
	}
	pick := func(c CreatorCandidate) (Ref, error) {
		return Ref{Kind: RefCreator, Form: FormNickname, Creator: CreatorRef{UID: c.UID, Name: c.Name}}, nil
	}
	switch {
	case len(exact) == 1:
		return pick(exact[0])
	case len(exact) > 1:
		return Ref{}, ErrAmbiguousReference
	case len(hits) == 1:
		return pick(hits[0])
	}

	ranked := slices.Clone(hits)
	slices.SortStableFunc(ranked, func(a, b CreatorCandidate) int {
		return cmp.Compare(b.Followers, a.Followers)
	})
	if ranked[0].Followers > ranked[1].Followers {
		return pick(ranked[0])
	}
	return Ref{}, ErrAmbiguousReference
}
