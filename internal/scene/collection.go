package scene

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/lockstep/internal/layers"
)

// Collection is an in-memory scene state: the layer set, animation state and
// queued movie clips a renderer would present. Mutations come only from the
// poller's apply step (single writer); the read side is locked so status
// surfaces can snapshot concurrently.
type Collection struct {
	mu        sync.RWMutex
	layers    map[string]layers.Descriptor
	animation layers.AnimationSettings
	animating bool
	movies    []layers.MovieClip
	dirty     bool
}

// NewCollection constructs an empty Collection.
func NewCollection() *Collection {
	return &Collection{layers: make(map[string]layers.Descriptor)}
}

// AddLayer inserts the layer, replacing any layer with the same identity.
// Replacing instead of rejecting keeps repeated add events stable.
func (c *Collection) AddLayer(descriptor layers.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers[descriptor.Key()] = descriptor
	return nil
}

// RemoveLayer drops the layer matching the descriptor's identity. Removing an
// absent layer is a no-op.
func (c *Collection) RemoveLayer(descriptor layers.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers, descriptor.Identity().Key())
	return nil
}

// StartAnimation records the animation as running with the given settings.
func (c *Collection) StartAnimation(settings layers.AnimationSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.animation = settings
	c.animating = true
	return nil
}

// StopAnimation records the animation as stopped.
func (c *Collection) StopAnimation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.animating = false
	return nil
}

// PlayMovie queues a movie clip.
func (c *Collection) PlayMovie(clip layers.MovieClip) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.movies = append(c.movies, clip)
	return nil
}

// Dirty marks the scene as needing a rebuild.
func (c *Collection) Dirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
}

// ClearDirty resets the rebuild flag, returning its previous value. The host
// render loop calls this once per presented frame.
func (c *Collection) ClearDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasDirty := c.dirty
	c.dirty = false
	return wasDirty
}

// Layers returns the current layers sorted by name.
func (c *Collection) Layers() []layers.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]layers.Descriptor, 0, len(c.layers))
	for _, descriptor := range c.layers {
		result = append(result, descriptor)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Contains reports whether a layer with the descriptor's identity is present.
func (c *Collection) Contains(descriptor layers.Descriptor) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.layers[descriptor.Identity().Key()]
	return ok
}

// Animating reports the animation running flag and its settings.
func (c *Collection) Animating() (bool, layers.AnimationSettings) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.animating, c.animation
}

// Movies returns the queued movie clips in play order.
func (c *Collection) Movies() []layers.MovieClip {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]layers.MovieClip, len(c.movies))
	copy(result, c.movies)
	return result
}
