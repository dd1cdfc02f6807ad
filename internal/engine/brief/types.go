package brief

import (
	"fmt"
	"strings"
	"time"
)

// --- Note options ---

// Style selects the note layout the LLM is asked for.
type Style string

const (
	StyleConcise      Style = "concise"
	StyleDetailed     Style = "detailed"
	StyleProfessional Style = "professional"
)

// ParseStyle accepts the English names and their Chinese labels.
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "concise", "简洁":
		return StyleConcise, nil
	case "", "detailed", "详细":
		return StyleDetailed, nil
	case "professional", "专业":
		return StyleProfessional, nil
	}
	return "", fmt.Errorf("unknown note style %q", s)
}

// Quality selects how much audio fidelity the download stage asks for.
type Quality string

const (
	QualityFast   Quality = "fast"
	QualityMedium Quality = "medium"
	QualitySlow   Quality = "slow"
)

// ParseQuality validates a download quality name.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case "":
		return QualityFast, nil
	case QualityFast, QualityMedium, QualitySlow:
		return q, nil
	}
	return "", fmt.Errorf("unknown download quality %q", s)
}

// AudioPolicy is the target encoding for transcription input.
type AudioPolicy struct {
	BitrateKbps int
	SampleRate  int
	Channels    int
}

// Policy maps a quality to its audio target. Unknown values use fast.
func (q Quality) Policy() AudioPolicy {
	p := AudioPolicy{BitrateKbps: 32, SampleRate: 16000, Channels: 1}
	switch q {
	case QualityMedium:
		p.BitrateKbps = 64
	case QualitySlow:
		p.BitrateKbps = 128
	}
	return p
}

// --- Videos and creators ---

// VideoRef identifies one upload. Immutable once resolved.
type VideoRef struct {
	ID         string        `json:"id"`
	CreatorID  string        `json:"creator_id,omitempty"`
	Title      string        `json:"title,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	UploadedAt time.Time     `json:"uploaded_at,omitzero"`
}

// URL is the canonical watch page.
func (v VideoRef) URL() string {
	return "https://www.bilibili.com/video/" + v.ID
}

// VideoMeta is what the metadata stage learns about a video.
type VideoMeta struct {
	VideoRef
	CID         int64    `json:"cid"`
	CreatorName string   `json:"creator_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
}

// CreatorRef is a channel owner. LastUploadID is empty until the first check.
type CreatorRef struct {
	UID          string    `json:"uid"`
	Name         string    `json:"name"`
	LastUploadID string    `json:"last_upload_id,omitempty"`
	LastUploadAt time.Time `json:"last_upload_at,omitzero"`
}

// Label renders the creator for replies.
func (c CreatorRef) Label() string {
	if c.Name == "" {
		return "UID:" + c.UID
	}
	return fmt.Sprintf("【%s】(UID:%s)", c.Name, c.UID)
}

// CreatorCandidate is one creator search hit.
type CreatorCandidate struct {
	UID       string
	Name      string
	Followers int64
}

// --- Scopes and delivery ---

// TargetKind is the chat destination type.
type TargetKind string

const (
	KindGroup TargetKind = "group"
	KindUser  TargetKind = "user"
)

// Scope is a chat context: a group or a private conversation.
type Scope struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Label renders the scope the way chat users name it.
func (s Scope) Label() string {
	if s.Kind == KindGroup {
		return "群" + s.ID
	}
	return "QQ" + s.ID
}

// ParseScope accepts "group:<id>" or "user:<id>".
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" || !isDigits(id) {
		return Scope{}, fmt.Errorf("invalid scope %q", s)
	}
	switch TargetKind(kind) {
	case KindGroup, KindUser:
		return Scope{Kind: TargetKind(kind), ID: id}, nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
}

// PushTarget is one destination configured by a scope.
type PushTarget struct {
	Owner Scope `json:"owner"`
	Dest  Scope `json:"dest"`
}

// Subscription binds a scope to a creator.
type Subscription struct {
	Scope     Scope      `json:"scope"`
	Creator   CreatorRef `json:"creator"`
	CreatedAt time.Time  `json:"created_at"`
}

// --- Pipeline artifacts ---

// Segment is one timed line of speech.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Transcript is the ordered speech of a video.
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Source   string    `json:"source"` // subtitle | asr
	Segments []Segment `json:"segments"`
}

// Empty reports whether the transcript carries any text.
func (t Transcript) Empty() bool {
	for _, s := range t.Segments {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// AudioFile is a downloaded audio track on local disk.
type AudioFile struct {
	Path   string
	Size   int64
	Policy AudioPolicy
}

// ArtifactKind tells the messenger how to deliver a rendered note.
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactText  ArtifactKind = "text"
)

// RenderedArtifact is the deliverable form of a note.
type RenderedArtifact struct {
	Kind  ArtifactKind
	Image []byte
	Text  string
}

// PublishStatus is the outcome of the document publish step.
type PublishStatus string

const (
	PublishSkipped PublishStatus = "skipped"
	PublishSuccess PublishStatus = "success"
	PublishFailed  PublishStatus = "failed"
)

// PublishRecord is kept for every run that reached the publish step.
type PublishRecord struct {
	RunID        string        `json:"run_id"`
	VideoID      string        `json:"video_id"`
	Title        string        `json:"title,omitempty"`
	Status       PublishStatus `json:"status"`
	DocRef       string        `json:"doc_ref,omitempty"`
	DocURL       string        `json:"doc_url,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	ImagesOK     int           `json:"images_ok"`
	ImagesFailed int           `json:"images_failed"`
	At           time.Time     `json:"at"`
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
