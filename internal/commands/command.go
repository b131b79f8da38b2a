package commands

import (
	"context"

	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/layers"
)

// Command is one mutation intent. Each command knows how to realize itself as
// event log rows; the set is closed.
type Command interface {
	// Name labels the command in logs and job handles.
	Name() string

	// publish writes the command's payload and log rows through the store.
	publish(ctx context.Context, store *eventlog.Store, sessionID uint64) (eventlog.Event, error)

	// jobBacked reports whether the command runs through the job executor.
	jobBacked() bool
}

// AddLayer publishes a layer descriptor for every node to add.
type AddLayer struct {
	Descriptor layers.Descriptor
}

// NewAddLayer constructs an AddLayer command.
func NewAddLayer(descriptor layers.Descriptor) AddLayer {
	return AddLayer{Descriptor: descriptor}
}

// Name labels the command.
func (c AddLayer) Name() string { return "add_layer" }

func (c AddLayer) jobBacked() bool { return true }

func (c AddLayer) publish(ctx context.Context, store *eventlog.Store, sessionID uint64) (eventlog.Event, error) {
	encoded, err := layers.Encode(c.Descriptor)
	if err != nil {
		return eventlog.Event{}, err
	}
	return store.AppendLayerEvent(ctx, sessionID, eventlog.EventTypeAddLayer, encoded)
}

// RemoveLayer publishes the identity of a layer for every node to remove.
// Only identity is serialized; there is no data build step on removal.
type RemoveLayer struct {
	Descriptor layers.Descriptor
}

// NewRemoveLayer constructs a RemoveLayer command from any descriptor; the
// payload carries the reduced identity form.
func NewRemoveLayer(descriptor layers.Descriptor) RemoveLayer {
	return RemoveLayer{Descriptor: descriptor.Identity()}
}

// Name labels the command.
func (c RemoveLayer) Name() string { return "remove_layer" }

func (c RemoveLayer) jobBacked() bool { return true }

func (c RemoveLayer) publish(ctx context.Context, store *eventlog.Store, sessionID uint64) (eventlog.Event, error) {
	encoded, err := layers.Encode(c.Descriptor.Identity())
	if err != nil {
		return eventlog.Event{}, err
	}
	return store.AppendLayerEvent(ctx, sessionID, eventlog.EventTypeRemoveLayer, encoded)
}

// StartAnimation publishes animation parameters with the animate flag set.
type StartAnimation struct {
	Settings layers.AnimationSettings
}

// NewStartAnimation constructs a StartAnimation command.
func NewStartAnimation(settings layers.AnimationSettings) StartAnimation {
	return StartAnimation{Settings: settings}
}

// Name labels the command.
func (c StartAnimation) Name() string { return "start_animation" }

func (c StartAnimation) jobBacked() bool { return false }

func (c StartAnimation) publish(ctx context.Context, store *eventlog.Store, sessionID uint64) (eventlog.Event, error) {
	return store.AppendAnimationEvent(ctx, sessionID, eventlog.AnimationPayload{
		Animate:       true,
		Speed:         c.Settings.Speed,
		Accumulate:    c.Settings.Accumulate,
		DateTimeStep:  c.Settings.DateTimeStep,
		TimeWindow:    c.Settings.TimeWindow,
		NumDaysToShow: c.Settings.NumDaysToShow,
	})
}

// StopAnimation publishes an animation event with the animate flag cleared.
type StopAnimation struct{}

// NewStopAnimation constructs a StopAnimation command.
func NewStopAnimation() StopAnimation {
	return StopAnimation{}
}

// Name labels the command.
func (c StopAnimation) Name() string { return "stop_animation" }

func (c StopAnimation) jobBacked() bool { return false }

func (c StopAnimation) publish(ctx context.Context, store *eventlog.Store, sessionID uint64) (eventlog.Event, error) {
	return store.AppendAnimationEvent(ctx, sessionID, eventlog.AnimationPayload{Animate: false})
}

// PlayMovie publishes a movie clip for every node to play.
type PlayMovie struct {
	Clip layers.MovieClip
}

// NewPlayMovie constructs a PlayMovie command.
func NewPlayMovie(clip layers.MovieClip) PlayMovie {
	return PlayMovie{Clip: clip}
}

// Name labels the command.
func (c PlayMovie) Name() string { return "play_movie" }

func (c PlayMovie) jobBacked() bool { return false }

func (c PlayMovie) publish(ctx context.Context, store *eventlog.Store, sessionID uint64) (eventlog.Event, error) {
	return store.AppendMovieEvent(ctx, sessionID, eventlog.MoviePayload{
		Position: c.Clip.Position.String(),
		Width:    c.Clip.Width.String(),
		Height:   c.Clip.Height.String(),
		Path:     c.Clip.Path,
	})
}
