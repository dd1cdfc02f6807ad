package brief

import "context"

// MetadataFetcher loads title, duration, tags and stream ids for a video.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, v VideoRef) (VideoMeta, error)
}

// AudioDownloader stores the audio track on local disk.
type AudioDownloader interface {
	DownloadAudio(ctx context.Context, meta VideoMeta, q Quality) (AudioFile, error)
}

// SubtitleFetcher returns uploaded or auto-generated subtitles.
// A video without subtitles yields an empty Transcript and nil error.
type SubtitleFetcher interface {
	FetchSubtitles(ctx context.Context, meta VideoMeta) (Transcript, error)
}

// Transcriber turns downloaded audio into timed text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio AudioFile) (Transcript, error)
}

// Completer is a single-prompt LLM call.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CardRenderer turns a note into a PNG card.
type CardRenderer interface {
	RenderCard(ctx context.Context, note NoteDocument) ([]byte, error)
}

// PublishRequest is one publish attempt. Token identifies the attempt:
// a retry with the same token must not create a second document.
type PublishRequest struct {
	Token     string
	RunID     string
	VideoID   string
	NoteTitle string
	Markdown  string
	VideoURL  string
}

// PublishedDoc describes the created document.
type PublishedDoc struct {
	DocRef       string
	URL          string
	ImagesOK     int
	ImagesFailed int
}

// DocumentPublisher writes notes to a knowledge base.
type DocumentPublisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishedDoc, error)
}

// Message is one outbound chat message. Image is PNG bytes when set.
type Message struct {
	Text  string
	Image []byte
}

// Messenger delivers messages to chat scopes.
type Messenger interface {
	Send(ctx context.Context, to Scope, msg Message) error
}

// CreatorDirectory answers creator lookups and upload listings.
type CreatorDirectory interface {
	LookupCreator(ctx context.Context, uid string) (CreatorRef, error)
	SearchCreators(ctx context.Context, keyword string) ([]CreatorCandidate, error)
	LatestUploads(ctx context.Context, uid string, n int) ([]VideoRef, error)
}

// LinkResolver expands share short links to their destination URL.
type LinkResolver interface {
	ResolveShortLink(ctx context.Context, shortURL string) (string, error)
}

// LoginProvider drives the QR login flow of the video site.
type LoginProvider interface {
	GenerateQR(ctx context.Context) (key, url string, err error)
	PollQR(ctx context.Context, key string) (LoginPoll, error)
}

// PollStatus is the site's answer to one QR poll.
type PollStatus int

const (
	PollWaiting PollStatus = iota
	PollScanned
	PollConfirmed
	PollExpired
)

// LoginPoll carries the cookies once the login is confirmed.
type LoginPoll struct {
	Status  PollStatus
	Cookies map[string]string
}

// SessionPersister keeps the deployment's single session across restarts.
type SessionPersister interface {
	SaveSession(ctx context.Context, s Session) error
	LoadSession(ctx context.Context) (Session, bool, error)
	DeleteSession(ctx context.Context) error
}

// PublishRecorder stores publish outcomes.
type PublishRecorder interface {
	SavePublishRecord(ctx context.Context, rec PublishRecord) error
}

// RunLog archives one row per pipeline run.
type RunLog interface {
	Record(ctx context.Context, rec RunRecord) error
}
