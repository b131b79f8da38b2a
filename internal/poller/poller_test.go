package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lockstep/internal/commands"
	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/jobs"
	"github.com/MarcoPoloResearchLab/lockstep/internal/layers"
	"github.com/MarcoPoloResearchLab/lockstep/internal/scene"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:lockstep_poller_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&eventlog.Session{},
		&eventlog.Event{},
		&eventlog.LayerPayload{},
		&eventlog.AnimationPayload{},
		&eventlog.MoviePayload{},
		&eventlog.Cursor{},
	))
	store, err := eventlog.NewStore(eventlog.StoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

func newTestPublisher(t *testing.T, store *eventlog.Store) *commands.Publisher {
	t.Helper()
	executor := jobs.NewExecutor(jobs.ExecutorConfig{Workers: 1, QueueDepth: 16})
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(shutdownCtx)
	})
	publisher, err := commands.NewPublisher(commands.PublisherConfig{Store: store, Executor: executor})
	require.NoError(t, err)
	return publisher
}

func sessionName(t *testing.T, name string) eventlog.SessionName {
	t.Helper()
	parsed, err := eventlog.NewSessionName(name)
	require.NoError(t, err)
	return parsed
}

func publish(t *testing.T, publisher *commands.Publisher, session eventlog.SessionName, command commands.Command) {
	t.Helper()
	receipt, err := publisher.Execute(context.Background(), session, command)
	require.NoError(t, err)
	if receipt.Job != nil {
		select {
		case result := <-receipt.Job.Done():
			require.NoError(t, result.Err)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for publish job")
		}
	}
}

func pointLayer(name string) layers.Descriptor {
	return layers.Descriptor{
		Kind:   layers.KindPoint,
		Name:   name,
		Source: layers.Source{Table: name + "_table"},
	}
}

// fakeClock always reports a time far enough ahead that the throttle window
// never suppresses a poll.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newConnectedPoller(t *testing.T, store *eventlog.Store, sink SceneSink, nodeID string) *Poller {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0)}
	eventPoller, err := NewPoller(PollerConfig{
		Store:  store,
		Sink:   sink,
		NodeID: nodeID,
		Clock:  clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, eventPoller.ConnectToSession(context.Background(), sessionName(t, "default")))
	return eventPoller
}

func TestNewPollerValidatesDependencies(t *testing.T) {
	store := newTestStore(t)
	_, err := NewPoller(PollerConfig{Sink: scene.NewCollection()})
	require.Error(t, err)
	_, err = NewPoller(PollerConfig{Store: store})
	require.Error(t, err)
}

func TestDisconnectedPollerRejectsPolling(t *testing.T) {
	store := newTestStore(t)
	eventPoller, err := NewPoller(PollerConfig{Store: store, Sink: scene.NewCollection()})
	require.NoError(t, err)
	require.Equal(t, StateDisconnected, eventPoller.State())

	_, err = eventPoller.HasEvents(context.Background())
	require.Error(t, err)
	_, err = eventPoller.ProcessEvents(context.Background())
	require.Error(t, err)
}

func TestAppliedEventsConvergeScene(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	collection := scene.NewCollection()
	eventPoller := newConnectedPoller(t, store, collection, "node-a")
	require.Equal(t, uint64(0), eventPoller.Cursor())

	layerOne := pointLayer("layer_one")
	layerTwo := pointLayer("layer_two")
	publish(t, publisher, session, commands.NewAddLayer(layerOne))
	publish(t, publisher, session, commands.NewAddLayer(layerTwo))
	publish(t, publisher, session, commands.NewRemoveLayer(layerOne))

	hasEvents, err := eventPoller.HasEvents(context.Background())
	require.NoError(t, err)
	require.True(t, hasEvents)

	applied, err := eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, applied)
	require.Equal(t, uint64(3), eventPoller.Cursor())

	current := collection.Layers()
	require.Len(t, current, 1)
	require.Equal(t, "layer_two", current[0].Name)
	require.True(t, collection.ClearDirty())
}

func TestLateJoinerSkipsHistory(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	publish(t, publisher, session, commands.NewAddLayer(pointLayer("historic")))

	collection := scene.NewCollection()
	eventPoller := newConnectedPoller(t, store, collection, "")
	require.NotEmpty(t, eventPoller.NodeID())

	applied, err := eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	require.Zero(t, applied)
	require.Empty(t, collection.Layers())

	publish(t, publisher, session, commands.NewAddLayer(pointLayer("fresh")))
	applied, err = eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	current := collection.Layers()
	require.Len(t, current, 1)
	require.Equal(t, "fresh", current[0].Name)
}

func TestPersistedCursorResumesAfterRestart(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	first := scene.NewCollection()
	eventPoller := newConnectedPoller(t, store, first, "node-stable")

	publish(t, publisher, session, commands.NewAddLayer(pointLayer("seen")))
	_, err := eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)

	// Events published while the node is down.
	publish(t, publisher, session, commands.NewAddLayer(pointLayer("missed")))

	restarted := scene.NewCollection()
	resumed := newConnectedPoller(t, store, restarted, "node-stable")
	applied, err := resumed.ProcessEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	current := restarted.Layers()
	require.Len(t, current, 1)
	require.Equal(t, "missed", current[0].Name)
}

type failingSink struct {
	*scene.Collection
	failLayer string
	failures  int
}

func (s *failingSink) AddLayer(descriptor layers.Descriptor) error {
	if descriptor.Name == s.failLayer && s.failures > 0 {
		s.failures--
		return errors.New("sink rejected layer")
	}
	return s.Collection.AddLayer(descriptor)
}

func TestFailedApplyStopsCycleWithoutAdvancing(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	sink := &failingSink{Collection: scene.NewCollection(), failLayer: "flaky", failures: 1}
	eventPoller := newConnectedPoller(t, store, sink, "node-a")

	publish(t, publisher, session, commands.NewAddLayer(pointLayer("stable")))
	publish(t, publisher, session, commands.NewAddLayer(pointLayer("flaky")))
	publish(t, publisher, session, commands.NewAddLayer(pointLayer("after")))

	applied, err := eventPoller.ProcessEvents(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, uint64(1), eventPoller.Cursor())
	require.Len(t, sink.Layers(), 1)

	// The failed row is retried before anything newer on the next cycle.
	applied, err = eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, uint64(3), eventPoller.Cursor())

	var names []string
	for _, descriptor := range sink.Layers() {
		names = append(names, descriptor.Name)
	}
	require.ElementsMatch(t, []string{"stable", "flaky", "after"}, names)
}

func TestAnimationEventsToggleSink(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	collection := scene.NewCollection()
	eventPoller := newConnectedPoller(t, store, collection, "node-a")

	settings := layers.AnimationSettings{Speed: 3, DateTimeStep: true, NumDaysToShow: 30}
	publish(t, publisher, session, commands.NewStartAnimation(settings))
	_, err := eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	animating, got := collection.Animating()
	require.True(t, animating)
	require.Equal(t, settings, got)

	publish(t, publisher, session, commands.NewStopAnimation())
	_, err = eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	animating, _ = collection.Animating()
	require.False(t, animating)
}

func TestMovieEventDecodesVectors(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	collection := scene.NewCollection()
	eventPoller := newConnectedPoller(t, store, collection, "node-a")

	clip := layers.MovieClip{
		Position: layers.Vec3{X: 1, Y: 2, Z: 3},
		Width:    layers.Vec3{X: 16},
		Height:   layers.Vec3{Y: 9},
		Path:     "/movies/intro.mp4",
	}
	publish(t, publisher, session, commands.NewPlayMovie(clip))
	_, err := eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)

	movies := collection.Movies()
	require.Len(t, movies, 1)
	require.Equal(t, clip, movies[0])
}

func TestHasEventsThrottles(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	now := time.Unix(0, 0)
	eventPoller, err := NewPoller(PollerConfig{
		Store:           store,
		Sink:            scene.NewCollection(),
		NodeID:          "node-a",
		MinPollInterval: time.Second,
		Clock:           func() time.Time { return now },
	})
	require.NoError(t, err)
	require.NoError(t, eventPoller.ConnectToSession(context.Background(), session))

	publish(t, publisher, session, commands.NewAddLayer(pointLayer("one")))

	hasEvents, err := eventPoller.HasEvents(context.Background())
	require.NoError(t, err)
	require.True(t, hasEvents)

	// Inside the window the store is not consulted.
	now = now.Add(500 * time.Millisecond)
	hasEvents, err = eventPoller.HasEvents(context.Background())
	require.NoError(t, err)
	require.False(t, hasEvents)

	now = now.Add(time.Second)
	hasEvents, err = eventPoller.HasEvents(context.Background())
	require.NoError(t, err)
	require.True(t, hasEvents)
}

type recordingNotifier struct {
	applied []AppliedEvent
}

func (n *recordingNotifier) EventApplied(event AppliedEvent) {
	n.applied = append(n.applied, event)
}

func TestTickInvokesDrawAndNotifier(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	notifier := &recordingNotifier{}
	var draws int
	clock := &fakeClock{now: time.Unix(0, 0)}
	eventPoller, err := NewPoller(PollerConfig{
		Store:        store,
		Sink:         scene.NewCollection(),
		NodeID:       "node-a",
		Clock:        clock.Now,
		DrawCallback: func() { draws++ },
		Notifier:     notifier,
	})
	require.NoError(t, err)
	require.NoError(t, eventPoller.ConnectToSession(context.Background(), session))

	require.NoError(t, eventPoller.Tick(context.Background()))
	require.Zero(t, draws)

	publish(t, publisher, session, commands.NewAddLayer(pointLayer("one")))
	publish(t, publisher, session, commands.NewStartAnimation(layers.AnimationSettings{Speed: 1}))

	require.NoError(t, eventPoller.Tick(context.Background()))
	require.Equal(t, 1, draws)
	require.Len(t, notifier.applied, 2)
	require.Equal(t, "default", notifier.applied[0].Session)
	require.Equal(t, eventlog.EventTypeAddLayer, notifier.applied[0].Type)
	require.Equal(t, eventlog.EventTypeAnimation, notifier.applied[1].Type)
	require.Equal(t, notifier.applied[1].EventID, eventPoller.Cursor())
}

func TestTwoNodesConvergeIdentically(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	sceneA := scene.NewCollection()
	sceneB := scene.NewCollection()
	pollerA := newConnectedPoller(t, store, sceneA, "node-a")
	pollerB := newConnectedPoller(t, store, sceneB, "node-b")

	layerOne := pointLayer("layer_one")
	layerTwo := pointLayer("layer_two")
	publish(t, publisher, session, commands.NewAddLayer(layerOne))
	publish(t, publisher, session, commands.NewAddLayer(layerTwo))

	// Node A applies each command as it lands; node B catches up in one batch.
	_, err := pollerA.ProcessEvents(context.Background())
	require.NoError(t, err)

	publish(t, publisher, session, commands.NewRemoveLayer(layerOne))
	_, err = pollerA.ProcessEvents(context.Background())
	require.NoError(t, err)
	_, err = pollerB.ProcessEvents(context.Background())
	require.NoError(t, err)

	require.Equal(t, sceneA.Layers(), sceneB.Layers())
	require.Equal(t, pollerA.Cursor(), pollerB.Cursor())
}

func TestCursorReadableWhileApplying(t *testing.T) {
	store := newTestStore(t)
	publisher := newTestPublisher(t, store)
	session := sessionName(t, "default")

	collection := scene.NewCollection()
	eventPoller := newConnectedPoller(t, store, collection, "node-a")

	for i := 0; i < 20; i++ {
		publish(t, publisher, session, commands.NewAddLayer(pointLayer(fmt.Sprintf("layer_%02d", i))))
	}

	// Status surfaces read the cursor from their own goroutines while the
	// poller applies; the reads must observe monotonically increasing values.
	done := make(chan struct{})
	deadline := time.Now().Add(5 * time.Second)
	go func() {
		defer close(done)
		var previous uint64
		for time.Now().Before(deadline) {
			current := eventPoller.Cursor()
			if current < previous {
				t.Errorf("cursor went backwards: %d after %d", current, previous)
				return
			}
			previous = current
			if current >= 20 {
				return
			}
		}
	}()

	applied, err := eventPoller.ProcessEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, applied)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for cursor reader")
	}
	require.Equal(t, uint64(20), eventPoller.Cursor())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "connected_idle", StateConnectedIdle.String())
	require.Equal(t, "polling", StatePolling.String())
	require.Equal(t, "applying", StateApplying.String())
}
