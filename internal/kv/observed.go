package kv

import "github.com/claude/setkeeper/internal/bus"

// Observed wraps a Store and publishes bus.StorageChanged after every
// successful Set or Remove, tagged with origin.
type Observed struct {
	Store
	bus    bus.MessageBus
	origin string
}

// NewObserved returns a view-local wrapper around the shared store.
func NewObserved(s Store, b bus.MessageBus, origin string) *Observed {
	return &Observed{Store: s, bus: b, origin: origin}
}

func (o *Observed) Set(key string, value []byte) error {
	if err := o.Store.Set(key, value); err != nil {
		return err
	}
	o.bus.Publish(bus.StorageChanged{Key: key, Origin: o.origin})
	return nil
}

func (o *Observed) Remove(key string) error {
	if err := o.Store.Remove(key); err != nil {
		return err
	}
	o.bus.Publish(bus.StorageChanged{Key: key, Origin: o.origin, Removed: true})
	return nil
}
