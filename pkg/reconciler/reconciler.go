package reconciler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/shepherd/pkg/compose"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/gitwatch"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/portainer"
	"github.com/cuemby/shepherd/pkg/recipe"
	"github.com/cuemby/shepherd/pkg/registry"
)

// Status is the controller-level state reported on the health surface.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusFailed   Status = "FAILED"
	StatusStopped  Status = "STOPPED"
)

// Phase is the position inside one reconciliation cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseObserving  Phase = "observing"
	PhaseEvaluating Phase = "evaluating"
	PhaseDeploying  Phase = "deploying"
	PhaseNotifying  Phase = "notifying"
	PhaseFailing    Phase = "failing"
	PhaseStopping   Phase = "stopping"
)

// SourceWatcher observes the watched git repositories.
type SourceWatcher interface {
	Sync(ctx context.Context) (gitwatch.Result, error)
	Fingerprint() (string, error)
}

// ImageWatcher resolves registry digests for a stack's images.
type ImageWatcher interface {
	Fingerprint(ctx context.Context, stack *compose.Stack) (string, []registry.ImageDigest, error)
}

// Renderer produces the deployable stack descriptor.
type Renderer interface {
	Render(ctx context.Context) (*recipe.Output, error)
}

// Orchestrator deploys the artifact to one remote instance.
type Orchestrator interface {
	StackName() string
	Deploy(ctx context.Context, content []byte, digest, lastDigest string) (portainer.Outcome, error)
	StackExists(ctx context.Context) (bool, error)
}

// Notifier posts best-effort messages after successful deploys.
type Notifier interface {
	Notify(ctx context.Context, message string)
	NotifyState(ctx context.Context, state, message string)
}

// State is the deployment state record. It is updated atomically at the end
// of a successful cycle and lost on restart; the orchestrator holds the
// ground truth.
type State struct {
	LastSourceFP            string
	LastImagesFP            string
	LastDeployedStackDigest string
	LastOKAt                time.Time
	LastError               string
	ConsecutiveFailures     int
}

// Options tune the scheduling loop.
type Options struct {
	// PollingInterval separates the end of one cycle from the start of the
	// next.
	PollingInterval time.Duration
	// MaxBackoffFactor caps the exponential backoff multiplier.
	MaxBackoffFactor int
	// MaxInterval clamps the backed-off interval.
	MaxInterval time.Duration
	// LoudFailureThreshold is how many consecutive orchestrator rejections
	// trigger an escalated log line.
	LoudFailureThreshold int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxBackoffFactor == 0 {
		out.MaxBackoffFactor = 16
	}
	if out.MaxInterval == 0 {
		out.MaxInterval = 15 * time.Minute
	}
	if out.LoudFailureThreshold == 0 {
		out.LoudFailureThreshold = 5
	}
	return out
}

// Reconciler drives the loop: observation, change detection, rendering,
// deployment, notification, backoff. All components are invoked serially
// from it; there is never more than one cycle in flight.
type Reconciler struct {
	git           SourceWatcher
	images        ImageWatcher
	renderer      Renderer
	orchestrators []Orchestrator
	notifier      Notifier
	opts          Options
	now           func() time.Time
	jitter        func() float64 // uniform in [0,1)
	logger        zerolog.Logger

	cycleMu sync.Mutex // single-flight guard around the cycle

	mu        sync.RWMutex
	state     State
	status    Status
	phase     Phase
	lastStack *compose.Stack
}

// New builds a Reconciler.
func New(git SourceWatcher, images ImageWatcher, renderer Renderer, orchestrators []Orchestrator, notifier Notifier, opts Options) *Reconciler {
	return &Reconciler{
		git:           git,
		images:        images,
		renderer:      renderer,
		orchestrators: orchestrators,
		notifier:      notifier,
		opts:          opts.withDefaults(),
		now:           time.Now,
		jitter:        rand.Float64,
		logger:        log.WithComponent("reconciler"),
		status:        StatusStarting,
		phase:         PhaseIdle,
	}
}

// Status returns the controller-level state for the health surface.
func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Phase returns the current cycle phase.
func (r *Reconciler) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// State returns a copy of the deployment state record.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Run executes cycles until ctx is cancelled. The polling interval is
// counted from the end of each cycle, so a slow cycle never overlaps the
// next.
func (r *Reconciler) Run(ctx context.Context) {
	r.setStatus(StatusRunning)
	r.logger.Info().Dur("interval", r.opts.PollingInterval).Msg("reconciler started")

	for {
		if err := r.Cycle(ctx); err != nil && errkind.KindOf(err) == errkind.Cancelled {
			break
		}

		wait := r.NextWait()
		r.logger.Debug().Dur("wait", wait).Msg("cycle complete, sleeping")

		select {
		case <-ctx.Done():
			r.setStatus(StatusStopped)
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-time.After(wait):
		}
	}

	r.setStatus(StatusStopped)
	r.logger.Info().Msg("reconciler stopped")
}

// Cycle runs one pass of the state machine. It either completes fully and
// updates the state record atomically, or aborts without mutating it.
func (r *Reconciler) Cycle(ctx context.Context) error {
	if !r.cycleMu.TryLock() {
		return errkind.Errorf(errkind.TransientIO, "reconcile", "cycle already in flight")
	}
	defer r.cycleMu.Unlock()

	timer := metrics.NewTimer()
	logger := r.logger.With().Str("cycle_id", uuid.NewString()[:8]).Logger()

	err := r.cycle(ctx, logger)
	timer.ObserveDuration(metrics.CycleDuration)
	r.setPhase(PhaseIdle)

	switch {
	case err == nil:
		metrics.CyclesTotal.WithLabelValues("ok").Inc()
		r.recordSuccessStatus(ctx)
		return nil
	case errkind.KindOf(err) == errkind.Cancelled:
		r.setPhase(PhaseStopping)
		metrics.CyclesTotal.WithLabelValues("cancelled").Inc()
		logger.Info().Msg("cycle cancelled, state unchanged")
		return err
	default:
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		r.recordFailure(ctx, logger, err)
		return err
	}
}

func (r *Reconciler) cycle(ctx context.Context, logger zerolog.Logger) error {
	// Observing: bring every working copy up to date.
	r.setPhase(PhaseObserving)
	syncTimer := metrics.NewTimer()
	res, err := r.git.Sync(ctx)
	syncTimer.ObserveDuration(metrics.GitSyncDuration)
	if err != nil {
		return err
	}
	if res.TagMiss {
		// Nothing to pin against: a successful no-op, not a failure.
		logger.Info().Msg("no matching tag, cycle is a no-op")
		return nil
	}

	// Evaluating: compute fingerprints and decide.
	r.setPhase(PhaseEvaluating)
	sourceFP, err := r.git.Fingerprint()
	if err != nil {
		return err
	}

	state := r.State()
	lastStack := r.currentStack()

	imagesFP := ""
	if lastStack != nil {
		resolveTimer := metrics.NewTimer()
		imagesFP, _, err = r.images.Fingerprint(ctx, lastStack)
		resolveTimer.ObserveDuration(metrics.RegistryResolveDuration)
		if err != nil {
			return err
		}
	}

	missing, err := r.anyStackMissing(ctx)
	if err != nil {
		return err
	}

	firstCycle := state.LastDeployedStackDigest == ""
	sourceChanged := sourceFP != state.LastSourceFP
	imagesChanged := lastStack != nil && imagesFP != state.LastImagesFP

	if !firstCycle && !sourceChanged && !imagesChanged && !missing {
		logger.Debug().Msg("no changes detected")
		return nil
	}

	switch {
	case firstCycle:
		logger.Info().Msg("initial deploy")
	case missing:
		logger.Warn().Msg("remote stack missing, re-initialising")
		metrics.ChangesDetectedTotal.WithLabelValues("stack_missing").Inc()
	case sourceChanged:
		logger.Info().Msg("source change detected")
		metrics.ChangesDetectedTotal.WithLabelValues("git").Inc()
	default:
		logger.Info().Msg("image change detected")
		metrics.ChangesDetectedTotal.WithLabelValues("registry").Inc()
	}

	// Deploying: render the artifact and push it everywhere.
	r.setPhase(PhaseDeploying)
	out, err := r.renderer.Render(ctx)
	if err != nil {
		return err
	}

	newImagesFP, _, err := r.images.Fingerprint(ctx, out.Stack)
	if err != nil {
		return err
	}

	// A detected source or image change always redeploys, even when the
	// rendered descriptor is byte-identical (a pushed image keeps its
	// reference), so the digest no-op is bypassed for those signals.
	lastDigest := state.LastDeployedStackDigest
	if sourceChanged || imagesChanged {
		lastDigest = ""
	}

	deployTimer := metrics.NewTimer()
	deployed := false
	for _, orch := range r.orchestrators {
		outcome, err := orch.Deploy(ctx, out.Bytes, out.Digest, lastDigest)
		if err != nil {
			return err
		}
		logger.Info().Str("stack", orch.StackName()).Str("outcome", outcome.String()).Msg("deploy finished")
		metrics.DeploysTotal.WithLabelValues(outcome.String()).Inc()
		if outcome != portainer.OutcomeNoop {
			deployed = true
		}
	}
	deployTimer.ObserveDuration(metrics.DeployDuration)

	// Notifying: best-effort, never fails the cycle.
	if deployed {
		r.setPhase(PhaseNotifying)
		r.notifier.Notify(ctx, deployMessage(firstCycle, res.Descriptions))
		metrics.LastDeployTimestamp.Set(float64(r.now().Unix()))
	}

	// Commit the state record in one step.
	r.mu.Lock()
	r.state = State{
		LastSourceFP:            sourceFP,
		LastImagesFP:            newImagesFP,
		LastDeployedStackDigest: out.Digest,
		LastOKAt:                r.now(),
	}
	r.lastStack = out.Stack
	r.mu.Unlock()
	metrics.ConsecutiveFailures.Set(0)

	return nil
}

// anyStackMissing reports whether some orchestrator no longer has the
// managed stack, which forces a redeploy even without fingerprint changes.
func (r *Reconciler) anyStackMissing(ctx context.Context) (bool, error) {
	if r.State().LastDeployedStackDigest == "" {
		// Nothing deployed yet; the first-cycle path decides.
		return false, nil
	}
	for _, orch := range r.orchestrators {
		exists, err := orch.StackExists(ctx)
		if err != nil {
			return false, err
		}
		if !exists {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) recordSuccessStatus(ctx context.Context) {
	r.mu.Lock()
	wasPaused := r.status == StatusPaused
	r.status = StatusRunning
	r.state.LastError = ""
	r.state.ConsecutiveFailures = 0
	r.state.LastOKAt = r.now()
	r.mu.Unlock()

	metrics.ConsecutiveFailures.Set(0)
	if wasPaused {
		r.notifier.NotifyState(ctx, string(StatusRunning), "recovered")
	}
}

func (r *Reconciler) recordFailure(ctx context.Context, logger zerolog.Logger, err error) {
	r.setPhase(PhaseFailing)

	r.mu.Lock()
	firstFailure := r.state.ConsecutiveFailures == 0
	r.state.ConsecutiveFailures++
	r.state.LastError = err.Error()
	failures := r.state.ConsecutiveFailures
	r.status = StatusPaused
	r.mu.Unlock()

	metrics.ConsecutiveFailures.Set(float64(failures))

	kind := errkind.KindOf(err)
	event := logger.Warn()
	if kind == errkind.OrchestratorRejected && failures >= r.opts.LoudFailureThreshold {
		event = logger.Error()
	}
	event.Err(err).Str("kind", kind.String()).Int("consecutive_failures", failures).Msg("cycle failed")

	if firstFailure {
		r.notifier.NotifyState(ctx, string(StatusPaused), err.Error())
	}
	r.setPhase(PhaseIdle)
}

// NextWait computes the delay before the next cycle: the polling interval
// multiplied by min(2^consecutive_failures, MaxBackoffFactor), clamped at
// MaxInterval. Healthy cycles get ±10% jitter to avoid lockstep; backed-off
// cycles get +10% only, so k failures always wait at least
// interval·min(2^k, cap).
func (r *Reconciler) NextWait() time.Duration {
	failures := r.State().ConsecutiveFailures

	factor := 1.0
	if failures > 0 {
		factor = math.Min(math.Pow(2, float64(failures)), float64(r.opts.MaxBackoffFactor))
	}

	interval := time.Duration(float64(r.opts.PollingInterval) * factor)
	if interval > r.opts.MaxInterval {
		interval = r.opts.MaxInterval
	}

	if failures > 0 {
		return interval + time.Duration(r.jitter()*0.1*float64(interval))
	}
	spread := 0.9 + r.jitter()*0.2
	return time.Duration(float64(interval) * spread)
}

func (r *Reconciler) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Reconciler) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Reconciler) currentStack() *compose.Stack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastStack
}

func deployMessage(first bool, descriptions map[string]string) string {
	descs := make([]string, 0, len(descriptions))
	for _, d := range descriptions {
		descs = append(descs, d)
	}
	sort.Strings(descs)

	verb := "updated"
	if first {
		verb = "initialised"
	}
	if len(descs) == 0 {
		return fmt.Sprintf("Stack %s", verb)
	}
	return fmt.Sprintf("Stack %s with:\n%s", verb, strings.Join(descs, "\n"))
}
