package brief

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// fakeDirectory is an in-memory CreatorDirectory.
type fakeDirectory struct {
	mu       sync.Mutex
	creators map[string]CreatorRef
	search   map[string][]CreatorCandidate
	uploads  map[string][]VideoRef
	failUID  map[string]error
	lookups  atomic.Int32
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		creators: map[string]CreatorRef{},
		search:   map[string][]CreatorCandidate{},
		uploads:  map[string][]VideoRef{},
		failUID:  map[string]error{},
	}
}

func (d *fakeDirectory) LookupCreator(_ context.Context, uid string) (CreatorRef, error) {
	d.lookups.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.creators[uid]
	if !ok {
		return CreatorRef{}, fmt.Errorf("uid %s not found", uid)
	}
	return c, nil
}

func (d *fakeDirectory) SearchCreators(_ context.Context, kw string) ([]CreatorCandidate, error) {
	d.lookups.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.search[kw], nil
}

func (d *fakeDirectory) LatestUploads(_ context.Context, uid string, n int) ([]VideoRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failUID[uid]; err != nil {
		return nil, err
	}
	ups := d.uploads[uid]
	if len(ups) > n {
		ups = ups[:n]
	}
	return slices.Clone(ups), nil
}

func (d *fakeDirectory) setLatest(uid string, v VideoRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads[uid] = []VideoRef{v}
}

func (d *fakeDirectory) setFail(uid string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failUID[uid] = err
}

type fakeLinks map[string]string

func (l fakeLinks) ResolveShortLink(_ context.Context, u string) (string, error) {
	if t, ok := l[u]; ok {
		return t, nil
	}
	return "", errors.New("dead link")
}

// fakeMessenger records every send. Sends to fail return an error.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[Scope]bool
}

type sentMessage struct {
	To  Scope
	Msg Message
}

func (m *fakeMessenger) Send(ctx context.Context, to Scope, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fail[to] {
		return errors.New("onebot unreachable")
	}
	m.sent = append(m.sent, sentMessage{To: to, Msg: msg})
	return nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// fakeTargets is an in-memory TargetStore.
type fakeTargets struct {
	targets map[Scope][]PushTarget
	err     error
}

func (f *fakeTargets) AddPushTarget(_ context.Context, t PushTarget) (bool, error) {
	if f.targets == nil {
		f.targets = map[Scope][]PushTarget{}
	}
	f.targets[t.Owner] = append(f.targets[t.Owner], t)
	return true, nil
}

func (f *fakeTargets) RemovePushTarget(context.Context, Scope, string) (bool, error) {
	return false, nil
}

func (f *fakeTargets) PushTargets(_ context.Context, owner Scope) ([]PushTarget, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.targets[owner], nil
}

// fakeRunner records pipeline runs and returns a text artifact.
// Automatic runs wait for autoGate when it is set.
type fakeRunner struct {
	mu       sync.Mutex
	runs     []fakeRun
	err      error
	autoGate chan struct{}
}

type fakeRun struct {
	Video   VideoRef
	Trigger Trigger
}

func (r *fakeRunner) Run(ctx context.Context, v VideoRef, _ Style, ro RunOptions) (*Result, error) {
	if r.autoGate != nil && ro.Trigger == TriggerAuto {
		<-r.autoGate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, fakeRun{Video: v, Trigger: ro.Trigger})
	if r.err != nil {
		return nil, r.err
	}
	return &Result{
		Video:    VideoMeta{VideoRef: v},
		Artifact: RenderedArtifact{Kind: ArtifactText, Text: "note for " + v.ID},
	}, nil
}

func (r *fakeRunner) calls() []fakeRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.runs)
}

// fakeLogin scripts QR poll answers. After the script runs out it keeps answering waiting.
type fakeLogin struct {
	mu      sync.Mutex
	script  []LoginPoll
	polls   int
	genErr  error
	counter int
}

func (f *fakeLogin) GenerateQR(context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genErr != nil {
		return "", "", f.genErr
	}
	f.counter++
	key := fmt.Sprintf("key-%d", f.counter)
	return key, "https://passport.bilibili.com/h5-app/passport/login/scan?qrcode_key=" + key, nil
}

func (f *fakeLogin) PollQR(context.Context, string) (LoginPoll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.script) == 0 {
		return LoginPoll{Status: PollWaiting}, nil
	}
	p := f.script[0]
	f.script = f.script[1:]
	return p, nil
}

func (f *fakeLogin) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// memPersister is an in-memory SessionPersister.
type memPersister struct {
	mu      sync.Mutex
	sess    *Session
	deletes int
}

func (m *memPersister) SaveSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = &s
	return nil
}

func (m *memPersister) LoadSession(context.Context) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false, nil
	}
	return *m.sess, true, nil
}

func (m *memPersister) DeleteSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	m.deletes++
	return nil
}

func (m *memPersister) stored() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
