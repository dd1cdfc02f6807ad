package brief

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// Delivery is the outcome for one target.
type Delivery struct {
	Target  Scope
	Skipped bool // denied by the access policy
	Err     error
}

// Fanout delivers finished artifacts to a scope's push targets.
//
// The access policy is checked again for every target at delivery time, on
// top of the check made when the subscription or target was created, so a
// scope removed from the whitelist stops receiving pushes immediately.
type Fanout struct {
	targets   TargetStore
	messenger Messenger
	policy    AccessPolicy
	extra     []Scope
}

// NewFanout builds a fanout. extra are operator-wide targets merged into every scope's list.
func NewFanout(targets TargetStore, messenger Messenger, policy AccessPolicy, extra []Scope) *Fanout {
	return &Fanout{targets: targets, messenger: messenger, policy: policy, extra: extra}
}

// Resolve returns the delivery set for origin: its configured targets plus
// the operator-wide ones, de-duplicated in order, or origin alone when both are empty.
func (f *Fanout) Resolve(ctx context.Context, origin Scope) []Scope {
	var out []Scope
	if f.targets != nil {
		ts, err := f.targets.PushTargets(ctx, origin)
		if err != nil {
			slog.Error("fanout: load targets failed, delivering to origin", slog.String("scope", origin.String()), slog.Any("error", err))
			return []Scope{origin}
		}
		for _, t := range ts {
			out = append(out, t.Dest)
		}
	}
	for _, s := range f.extra {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []Scope{origin}
	}
	return out
}

// Deliver sends the artifact to every resolved target independently and
// returns all outcomes in target order.
func (f *Fanout) Deliver(ctx context.Context, origin Scope, a RenderedArtifact, header string) []Delivery {
	targets := f.Resolve(ctx, origin)
	msg := artifactMessage(a, header)

	out := make([]Delivery, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		out[i].Target = t
		if !f.policy.Allows(t) {
			out[i].Skipped = true
			slog.Info("fanout: target denied by access policy", slog.String("target", t.String()))
			continue
		}
		wg.Go(func() {
			err := f.messenger.Send(ctx, t, msg)
			engine.IncrPush(err != nil)
			if err != nil {
				slog.Warn("fanout: delivery failed", slog.String("target", t.String()), slog.Any("error", err))
			}
			out[i].Err = err
		})
	}
	wg.Wait()
	return out
}

// artifactMessage prefixes the header to text artifacts and captions images with it.
func artifactMessage(a RenderedArtifact, header string) Message {
	if a.Kind == ArtifactImage {
		return Message{Text: header, Image: a.Image}
	}
	if header == "" {
		return Message{Text: a.Text}
	}
	return Message{Text: header + "\n" + a.Text}
}
