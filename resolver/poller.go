package resolver

import (
	"context"
	"log/slog"

	"github.com/onnwee/live-resolver/pacing"
	"github.com/onnwee/live-resolver/session"
	"github.com/onnwee/live-resolver/telemetry"
)

// Poller repeatedly resolves one channel and reports live/offline transitions.
// The wait between resolutions comes from the delay policy: busy channels are
// polled quickly, idle or failing ones slowly.
type Poller struct {
	Resolver   *Resolver
	ChannelRef string

	// OnLive is called when a new broadcast is resolved.
	OnLive func(ctx context.Context, s session.ResolvedSession)
	// OnOffline is called when the previously live broadcast stops resolving.
	OnOffline func(ctx context.Context, s session.ResolvedSession)
}

// Run polls until ctx is done and returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "poller"), slog.String("channel", p.ChannelRef))
	log.Info("poller started")
	var st pacing.State
	var live *session.ResolvedSession
	for {
		res := p.Resolver.Resolve(ctx, p.ChannelRef)
		switch res.Outcome {
		case Canceled:
			log.Info("poller stopped")
			return ctx.Err()
		case Found:
			st.RetryCount, st.ConsecutiveFailures = 0, 0
			if res.Viewers > 0 {
				p.Resolver.SetActivity(res.Viewers)
			}
			if live == nil || live.StreamID != res.Session.StreamID {
				if live != nil {
					p.offline(ctx, *live)
				}
				s := *res.Session
				live = &s
				if p.OnLive != nil {
					p.OnLive(ctx, s)
				}
			}
		case NotFound:
			st.RetryCount, st.ConsecutiveFailures = 0, 0
			if live != nil {
				p.offline(ctx, *live)
				live = nil
				p.Resolver.SetActivity(0)
			}
		default:
			// Errors say nothing about whether the broadcast is still on air.
			st.ConsecutiveFailures++
		}

		d := p.Resolver.NextPollDelay(st)
		if res.RetryAfter > d {
			d = res.RetryAfter
		}
		st.PreviousDelay = d
		telemetry.ObservePollDelay(d)
		log.Debug("next poll", slog.Duration("delay", d), slog.String("outcome", res.Outcome.String()))
		if err := pacing.Sleep(ctx, d); err != nil {
			log.Info("poller stopped")
			return err
		}
	}
}

func (p *Poller) offline(ctx context.Context, s session.ResolvedSession) {
	if p.OnOffline != nil {
		p.OnOffline(ctx, s)
	}
}
