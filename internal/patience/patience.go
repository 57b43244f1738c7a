// Package patience computes an adaptive silence threshold from recent
// utterance patterns.
//
// A fixed end-of-speech timeout either cuts off deliberate speakers or makes
// the assistant feel sluggish for rapid ones. The controller watches the last
// few utterances per role and grants extra patience when the user is speaking
// in short fragments, in rapid succession, or has only just stopped — all
// signs that more speech is coming. The computed threshold is a
// recommendation handed to a [ThresholdSink]; the transport collaborator is
// responsible for pushing it into the remote session configuration, the
// controller never touches the transport itself.
package patience

import (
	"context"
	"log/slog"
	"time"

	"github.com/attunelabs/attune/internal/observe"
	"github.com/attunelabs/attune/internal/sched"
	"github.com/attunelabs/attune/pkg/transcript"
)

// Defaults for the tuning knobs in [Config]. Deployment-specific; override
// via configuration rather than editing these.
const (
	defaultBaseSilence = 700 * time.Millisecond
	defaultMinSilence  = 500 * time.Millisecond
	defaultMaxSilence  = 1500 * time.Millisecond

	defaultShortFragmentBonus   = 500 * time.Millisecond
	defaultRapidSuccessionBonus = 300 * time.Millisecond
	defaultEngagementBonus      = 200 * time.Millisecond
)

const (
	// historySize is how many utterances per role feed the detectors.
	historySize = 5

	// recencyWindow discards utterances older than this from consideration.
	recencyWindow = 10 * time.Second

	// shortFragmentMaxWords is the exclusive upper bound for an utterance
	// to count as a short fragment (word count in (0, 5)).
	shortFragmentMaxWords = 5

	// rapidSuccessionGap is the maximum spacing between consecutive
	// utterance ends for the pair to count as rapid succession.
	rapidSuccessionGap = 3 * time.Second

	// engagementWindow is how recently the last utterance must have ended
	// for the engagement bonus to apply.
	engagementWindow = 5 * time.Second
)

// Utterance is one completed stretch of speech, as the controller sees it.
type Utterance struct {
	// Duration is the utterance length from turn start to finalization.
	Duration time.Duration

	// WordCount is the number of words in the finalized text.
	WordCount int

	// EndedAt is when the utterance finished.
	EndedAt time.Time
}

// ThresholdSink receives recomputed silence thresholds. Implemented by the
// transport adapter, which forwards them to the remote session.
type ThresholdSink interface {
	SetSilenceThreshold(d time.Duration)
}

// ThresholdSinkFunc adapts a function to the [ThresholdSink] interface.
type ThresholdSinkFunc func(d time.Duration)

// SetSilenceThreshold calls f(d).
func (f ThresholdSinkFunc) SetSilenceThreshold(d time.Duration) { f(d) }

// Config holds the patience tuning knobs. These were empirically tuned and
// vary per deployment, so they are configuration rather than constants.
// Zero values take the package defaults.
type Config struct {
	BaseSilence time.Duration
	MinSilence  time.Duration
	MaxSilence  time.Duration

	ShortFragmentBonus   time.Duration
	RapidSuccessionBonus time.Duration
	EngagementBonus      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseSilence <= 0 {
		c.BaseSilence = defaultBaseSilence
	}
	if c.MinSilence <= 0 {
		c.MinSilence = defaultMinSilence
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = defaultMaxSilence
	}
	if c.ShortFragmentBonus <= 0 {
		c.ShortFragmentBonus = defaultShortFragmentBonus
	}
	if c.RapidSuccessionBonus <= 0 {
		c.RapidSuccessionBonus = defaultRapidSuccessionBonus
	}
	if c.EngagementBonus <= 0 {
		c.EngagementBonus = defaultEngagementBonus
	}
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithClock injects the time source. Tests pass a virtual clock.
func WithClock(s sched.Scheduler) Option {
	return func(c *Controller) { c.clock = s }
}

// WithMetrics injects the metrics instance used to publish the threshold
// gauge. The default records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller maintains per-role utterance history and recomputes the silence
// threshold after every recorded utterance. Like the engine it is
// single-writer; the orchestrator serialises access.
type Controller struct {
	cfg     Config
	sink    ThresholdSink
	clock   sched.Scheduler
	metrics *observe.Metrics

	// history is a per-role ring of the most recent utterances, newest last.
	history map[transcript.Role][]Utterance

	// last is the most recently emitted threshold; re-emission is skipped
	// when the value has not moved.
	last time.Duration
}

// New creates a Controller that emits thresholds to sink.
func New(cfg Config, sink ThresholdSink, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:     cfg,
		sink:    sink,
		clock:   sched.Wall{},
		history: make(map[transcript.Role][]Utterance, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConfig replaces the controller tuning. History is kept; the next
// recorded utterance recomputes under the new constants.
func (c *Controller) SetConfig(cfg Config) {
	cfg.applyDefaults()
	c.cfg = cfg
}

// Record adds a completed utterance for role and recomputes the threshold,
// emitting it to the sink when it changed.
func (c *Controller) Record(role transcript.Role, u Utterance) {
	ring := append(c.history[role], u)
	if len(ring) > historySize {
		ring = ring[len(ring)-historySize:]
	}
	c.history[role] = ring

	threshold := c.Threshold(role)
	if threshold == c.last {
		return
	}
	c.last = threshold

	slog.Debug("adaptive silence threshold updated",
		"role", string(role),
		"threshold", threshold,
	)
	if c.metrics != nil {
		c.metrics.RecordPatienceThreshold(context.Background(), threshold)
	}
	if c.sink != nil {
		c.sink.SetSilenceThreshold(threshold)
	}
}

// Threshold computes the current silence threshold for role from its recent
// history: base plus detector bonuses, clamped to [min, max].
func (c *Controller) Threshold(role transcript.Role) time.Duration {
	recent := c.recent(role)
	bonus := c.bonus(recent)

	threshold := c.cfg.BaseSilence + bonus
	if threshold < c.cfg.MinSilence {
		threshold = c.cfg.MinSilence
	}
	if threshold > c.cfg.MaxSilence {
		threshold = c.cfg.MaxSilence
	}
	return threshold
}

// recent filters role history down to the recency window, preserving order.
func (c *Controller) recent(role transcript.Role) []Utterance {
	cutoff := c.clock.Now().Add(-recencyWindow)
	var out []Utterance
	for _, u := range c.history[role] {
		if u.EndedAt.After(cutoff) {
			out = append(out, u)
		}
	}
	return out
}

// bonus sums the three detector bonuses over the recent utterances.
func (c *Controller) bonus(recent []Utterance) time.Duration {
	var bonus time.Duration

	// Short fragments: at least two utterances of 1–4 words suggest the
	// speaker is pausing mid-thought.
	short := 0
	for _, u := range recent {
		if u.WordCount > 0 && u.WordCount < shortFragmentMaxWords {
			short++
		}
	}
	if short >= 2 {
		bonus += c.cfg.ShortFragmentBonus
	}

	// Rapid succession: two or more utterances ending close together
	// suggest a fast back-and-forth cadence.
	rapid := false
	for i := 1; i < len(recent); i++ {
		if gap := recent[i].EndedAt.Sub(recent[i-1].EndedAt); gap >= 0 && gap < rapidSuccessionGap {
			rapid = true
			break
		}
	}
	if rapid {
		bonus += c.cfg.RapidSuccessionBonus
	}

	// Recent engagement: the speaker only just stopped talking.
	if len(recent) > 0 {
		last := recent[len(recent)-1]
		if c.clock.Now().Sub(last.EndedAt) < engagementWindow {
			bonus += c.cfg.EngagementBonus
		}
	}

	return bonus
}
