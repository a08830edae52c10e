package sandbox

import (
	"context"
	"log/slog"
	"sync"
)

type regKey struct {
	user    string
	session string
}

// Registry hands out reference-counted boxes keyed by (user, session).
// Connections sharing a session share one box; the box is torn down when
// the last reference is released, unless boxes are configured to persist.
type Registry struct {
	factory func(user string) *Box
	persist bool
	logger  *slog.Logger

	mu     sync.Mutex
	boxes  map[regKey]*Box
	counts map[regKey]int
}

// NewRegistry builds a Registry. factory creates a Box for a username;
// persist keeps containers alive across releases.
func NewRegistry(factory func(user string) *Box, persist bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Registry{
		factory: factory,
		persist: persist,
		logger:  logger,
		boxes:   map[regKey]*Box{},
		counts:  map[regKey]int{},
	}
}

// Acquire returns the box for (user, session), creating and starting it on
// first use. The container start happens outside the registry lock.
func (r *Registry) Acquire(ctx context.Context, user, session string) (*Box, error) {
	key := regKey{user, session}

	r.mu.Lock()
	box, ok := r.boxes[key]
	if !ok {
		box = r.factory(user)
		r.boxes[key] = box
	}
	r.counts[key]++
	r.mu.Unlock()

	if err := box.Start(ctx); err != nil {
		r.Release(ctx, user, session)
		return nil, err
	}
	return box, nil
}

// Release drops one reference. When the count reaches zero and boxes do
// not persist, the container is stopped and forgotten.
func (r *Registry) Release(ctx context.Context, user, session string) {
	key := regKey{user, session}

	r.mu.Lock()
	// Clamp at zero so an unpaired release cannot drive a persistent
	// box's count negative and swallow later acquires.
	if r.counts[key] > 0 {
		r.counts[key]--
	}
	drop := r.counts[key] <= 0 && !r.persist
	var box *Box
	if drop {
		box = r.boxes[key]
		delete(r.boxes, key)
		delete(r.counts, key)
	}
	r.mu.Unlock()

	if drop && box != nil {
		if err := box.Stop(ctx); err != nil {
			r.logger.Error("sandbox: stop on release failed", "user", user, "session", session, "error", err)
		}
	}
}

// ShutdownAll stops every non-persistent box and clears the registry.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	boxes := make([]*Box, 0, len(r.boxes))
	for _, b := range r.boxes {
		boxes = append(boxes, b)
	}
	r.boxes = map[regKey]*Box{}
	r.counts = map[regKey]int{}
	r.mu.Unlock()

	for _, b := range boxes {
		if r.persist {
			continue
		}
		if err := b.Stop(ctx); err != nil {
			r.logger.Error("sandbox: shutdown stop failed", "name", b.Name(), "error", err)
		}
	}
}
