package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shepherd/pkg/compose"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/gitwatch"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/portainer"
	"github.com/cuemby/shepherd/pkg/recipe"
	"github.com/cuemby/shepherd/pkg/registry"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeGit implements SourceWatcher.
type fakeGit struct {
	mu          sync.Mutex
	fingerprint string
	tagMiss     bool
	syncErr     error
	syncs       int
}

func (f *fakeGit) Sync(ctx context.Context) (gitwatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	if f.syncErr != nil {
		return gitwatch.Result{}, f.syncErr
	}
	return gitwatch.Result{
		Descriptions: map[string]string{"app": "app:master:a1b2c3"},
		TagMiss:      f.tagMiss,
	}, nil
}

func (f *fakeGit) Fingerprint() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fingerprint, nil
}

func (f *fakeGit) set(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprint = fp
}

// fakeImages implements ImageWatcher.
type fakeImages struct {
	mu          sync.Mutex
	fingerprint string
}

func (f *fakeImages) Fingerprint(ctx context.Context, stack *compose.Stack) (string, []registry.ImageDigest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fingerprint, nil, nil
}

func (f *fakeImages) set(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprint = fp
}

// fakeRenderer implements Renderer.
type fakeRenderer struct {
	mu      sync.Mutex
	digest  string
	err     error
	renders int
}

func (f *fakeRenderer) Render(ctx context.Context) (*recipe.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders++
	if f.err != nil {
		return nil, f.err
	}
	stack := compose.New(map[string]any{
		"services": map[string]any{
			"stg_web": map[string]any{"image": "example/web:latest"},
		},
	})
	data, err := stack.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	digest := f.digest
	if digest == "" {
		digest = compose.ContentDigest(data)
	}
	return &recipe.Output{Stack: stack, Bytes: data, Digest: digest}, nil
}

// fakeOrch implements Orchestrator.
type fakeOrch struct {
	mu       sync.Mutex
	exists   bool
	deploys  int
	err      error
	delay    time.Duration
	inFlight int
	maxIn    int
}

func (f *fakeOrch) StackName() string { return "deployment-agent" }

func (f *fakeOrch) Deploy(ctx context.Context, content []byte, digest, lastDigest string) (portainer.Outcome, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxIn {
		f.maxIn = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return portainer.OutcomeNoop, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.err != nil {
		return portainer.OutcomeNoop, f.err
	}
	if f.exists && digest == lastDigest {
		return portainer.OutcomeNoop, nil
	}
	f.deploys++
	outcome := portainer.OutcomeUpdated
	if !f.exists {
		outcome = portainer.OutcomeCreated
	}
	f.exists = true
	return outcome, nil
}

func (f *fakeOrch) StackExists(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeOrch) deployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploys
}

// fakeNotifier implements Notifier.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	states   []string
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeNotifier) NotifyState(ctx context.Context, state, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fixture struct {
	git      *fakeGit
	images   *fakeImages
	renderer *fakeRenderer
	orch     *fakeOrch
	notifier *fakeNotifier
	rec      *Reconciler
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		git:      &fakeGit{fingerprint: "src-1"},
		images:   &fakeImages{fingerprint: "img-1"},
		renderer: &fakeRenderer{},
		orch:     &fakeOrch{},
		notifier: &fakeNotifier{},
	}
	if opts.PollingInterval == 0 {
		opts.PollingInterval = 10 * time.Millisecond
	}
	f.rec = New(f.git, f.images, f.renderer, []Orchestrator{f.orch}, f.notifier, opts)
	f.rec.jitter = func() float64 { return 0.5 }
	return f
}

// TestFirstDeploy tests that the initial cycle deploys and notifies
func TestFirstDeploy(t *testing.T) {
	f := newFixture(Options{})

	require.NoError(t, f.rec.Cycle(context.Background()))

	assert.Equal(t, 1, f.orch.deployCount())
	assert.Equal(t, 1, f.notifier.count())

	state := f.rec.State()
	assert.Equal(t, "src-1", state.LastSourceFP)
	assert.NotEmpty(t, state.LastDeployedStackDigest)
	assert.Zero(t, state.ConsecutiveFailures)
}

// TestNoopCycle tests that an immediate repeat cycle does nothing
func TestNoopCycle(t *testing.T) {
	f := newFixture(Options{})

	require.NoError(t, f.rec.Cycle(context.Background()))
	rendersAfterFirst := f.renderer.renders

	require.NoError(t, f.rec.Cycle(context.Background()))

	assert.Equal(t, 1, f.orch.deployCount(), "no redeploy without change")
	assert.Equal(t, rendersAfterFirst, f.renderer.renders, "no render without change")
	assert.Equal(t, 1, f.notifier.count(), "no second notification")
}

// TestImagePushTriggersDeploy tests that an upstream image push redeploys
func TestImagePushTriggersDeploy(t *testing.T) {
	f := newFixture(Options{})
	require.NoError(t, f.rec.Cycle(context.Background()))

	f.images.set("img-2")
	require.NoError(t, f.rec.Cycle(context.Background()))

	assert.Equal(t, 2, f.orch.deployCount())
	assert.Equal(t, 2, f.notifier.count())
}

// TestSourceChangeTriggersDeploy tests that a tracked file change redeploys
func TestSourceChangeTriggersDeploy(t *testing.T) {
	f := newFixture(Options{})
	require.NoError(t, f.rec.Cycle(context.Background()))

	f.git.set("src-2")
	require.NoError(t, f.rec.Cycle(context.Background()))

	assert.Equal(t, 2, f.orch.deployCount())
}

// TestRecipeFailure tests that a failed recipe aborts the cycle, backs off,
// and leaves state unchanged
func TestRecipeFailure(t *testing.T) {
	f := newFixture(Options{PollingInterval: time.Second})
	f.renderer.err = errkind.Errorf(errkind.RecipeFailed, "recipe exec", "exit status 3")

	err := f.rec.Cycle(context.Background())
	require.Error(t, err)

	assert.Zero(t, f.orch.deployCount(), "no orchestrator call on recipe failure")

	state := f.rec.State()
	assert.Empty(t, state.LastDeployedStackDigest, "state unchanged")
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Contains(t, state.LastError, "exit status 3")

	// Next wake is at 2x the polling interval (plus bounded jitter).
	wait := f.rec.NextWait()
	assert.GreaterOrEqual(t, wait, 2*time.Second)
	assert.LessOrEqual(t, wait, 2200*time.Millisecond)
}

// TestTagMissIsNoop tests that a cycle with no matching tag is a no-op
func TestTagMissIsNoop(t *testing.T) {
	f := newFixture(Options{})
	f.git.tagMiss = true

	require.NoError(t, f.rec.Cycle(context.Background()))

	assert.Zero(t, f.orch.deployCount())
	assert.Zero(t, f.rec.State().ConsecutiveFailures, "a tag miss is success, not failure")
	assert.Equal(t, StatusRunning, f.rec.Status())
}

// TestBackoffMonotonic tests that consecutive failures never shrink the wait
func TestBackoffMonotonic(t *testing.T) {
	f := newFixture(Options{PollingInterval: time.Second})
	f.git.syncErr = errkind.Errorf(errkind.TransientIO, "git fetch", "network down")

	prev := time.Duration(0)
	for k := 1; k <= 6; k++ {
		require.Error(t, f.rec.Cycle(context.Background()))
		wait := f.rec.NextWait()

		factor := 1 << k
		if factor > 16 {
			factor = 16
		}
		assert.GreaterOrEqual(t, wait, time.Duration(factor)*time.Second,
			"k=%d consecutive failures", k)
		assert.GreaterOrEqual(t, wait, prev)
		prev = time.Duration(factor) * time.Second
	}
}

// TestBackoffClamped tests the 15 minute ceiling
func TestBackoffClamped(t *testing.T) {
	f := newFixture(Options{PollingInterval: 5 * time.Minute})
	f.git.syncErr = errors.New("down")

	for i := 0; i < 10; i++ {
		require.Error(t, f.rec.Cycle(context.Background()))
	}

	wait := f.rec.NextWait()
	ceiling := 15 * time.Minute
	assert.LessOrEqual(t, wait, time.Duration(float64(ceiling)*1.1))
}

// TestSuccessResetsBackoff tests the failure counter reset
func TestSuccessResetsBackoff(t *testing.T) {
	f := newFixture(Options{PollingInterval: time.Second})
	f.git.syncErr = errors.New("down")
	require.Error(t, f.rec.Cycle(context.Background()))
	require.Error(t, f.rec.Cycle(context.Background()))
	assert.Equal(t, 2, f.rec.State().ConsecutiveFailures)

	f.git.syncErr = nil
	require.NoError(t, f.rec.Cycle(context.Background()))
	assert.Zero(t, f.rec.State().ConsecutiveFailures)

	wait := f.rec.NextWait()
	assert.Less(t, wait, 2*time.Second, "backoff gone after success")
}

// TestCancellationSafety tests that shutdown during a deploy leaves state
// unchanged
func TestCancellationSafety(t *testing.T) {
	f := newFixture(Options{})
	f.orch.delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := f.rec.Cycle(ctx)
	require.Error(t, err)
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))

	state := f.rec.State()
	assert.Empty(t, state.LastSourceFP)
	assert.Empty(t, state.LastDeployedStackDigest)
	assert.Zero(t, state.ConsecutiveFailures, "cancellation is not a failure")
}

// TestSingleFlight tests that overlapping cycles are rejected
func TestSingleFlight(t *testing.T) {
	f := newFixture(Options{})
	f.orch.delay = 300 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.rec.Cycle(context.Background())
		}()
	}
	wg.Wait()

	completed := 0
	for _, err := range errs {
		if err == nil {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "exactly one cycle runs, the rest are rejected")
	assert.Equal(t, 1, f.orch.maxIn, "never more than one outstanding deploy")
}

// TestStackMissingForcesRedeploy tests out-of-band deletion recovery
func TestStackMissingForcesRedeploy(t *testing.T) {
	f := newFixture(Options{})
	require.NoError(t, f.rec.Cycle(context.Background()))
	require.Equal(t, 1, f.orch.deployCount())

	// Simulate someone deleting the stack in the orchestrator UI.
	f.orch.mu.Lock()
	f.orch.exists = false
	f.orch.mu.Unlock()

	require.NoError(t, f.rec.Cycle(context.Background()))
	assert.Equal(t, 2, f.orch.deployCount(), "missing stack is re-initialised despite unchanged fingerprints")
}

// TestFailureNotifiesStateOnce tests that only the first failure in a run
// posts a state notification
func TestFailureNotifiesStateOnce(t *testing.T) {
	f := newFixture(Options{})
	f.git.syncErr = errors.New("down")

	require.Error(t, f.rec.Cycle(context.Background()))
	require.Error(t, f.rec.Cycle(context.Background()))
	require.Error(t, f.rec.Cycle(context.Background()))

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{string(StatusPaused)}, f.notifier.states)
}

// TestRunStopsOnContextCancel tests loop shutdown
func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(Options{PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.Equal(t, StatusStopped, f.rec.Status())
	assert.GreaterOrEqual(t, f.git.syncs, 1)
}

// TestDeployMessage tests notification message shape
func TestDeployMessage(t *testing.T) {
	msg := deployMessage(true, map[string]string{"app": "app:master:abc"})
	assert.Equal(t, "Stack initialised with:\napp:master:abc", msg)

	msg = deployMessage(false, map[string]string{"b": "b:1", "a": "a:1"})
	assert.Equal(t, "Stack updated with:\na:1\nb:1", msg)
}
