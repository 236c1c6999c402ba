package weft

import (
	"math/rand"
	"slices"
	"sync"
)

// Cache is a locally-stale view of registry state owned by a running
// endpoint. It is refreshed wholesale by `ReplaceAll` when registration
// succeeds and patched incrementally by pushed cache-update notifications.
//
// It maintains:
//
//   - services: service name -> locations
//   - addresses: location -> service name (reverse index)
//   - subscribers: channel -> subscriber locations
//
// The invariant `loc ∈ services[name] ⇔ addresses[loc] == name` holds after
// every mutation. All methods are safe for concurrent use; pushes arrive
// interleaved with outbound calls reading the cache.
type Cache struct {
	mu          sync.RWMutex
	services    map[string][]string
	addresses   map[string]string
	subscribers map[string][]string
}

// Snapshot is the registry's authoritative topology, as carried by a
// register response.
type Snapshot struct {
	Services      map[string][]string `json:"services"`
	Addresses     map[string]string   `json:"addresses"`
	Subscriptions map[string][]string `json:"subscriptions"`
}

func NewCache() *Cache {
	return &Cache{
		services:    make(map[string][]string),
		addresses:   make(map[string]string),
		subscribers: make(map[string][]string),
	}
}

// AddService records one location for a named service. Duplicates are
// ignored.
func (c *Cache) AddService(name, location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addresses[location] = name
	if !slices.Contains(c.services[name], location) {
		c.services[name] = append(c.services[name], location)
	}
}

// RemoveService drops one location of a named service. Removing the last
// location deletes the name's entry.
func (c *Cache) RemoveService(name, location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.addresses, location)
	locs, ok := c.services[name]
	if !ok {
		return
	}
	locs = slices.DeleteFunc(locs, func(l string) bool { return l == location })
	if len(locs) == 0 {
		delete(c.services, name)
	} else {
		c.services[name] = locs
	}
}

// AddSubscriber records one subscriber location for a channel. Duplicates
// are ignored.
func (c *Cache) AddSubscriber(channel, location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.subscribers[channel], location) {
		c.subscribers[channel] = append(c.subscribers[channel], location)
	}
}

// RemoveSubscriber drops one subscriber location. Removing the last
// subscriber deletes the channel's entry.
func (c *Cache) RemoveSubscriber(channel, location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs, ok := c.subscribers[channel]
	if !ok {
		return
	}
	subs = slices.DeleteFunc(subs, func(l string) bool { return l == location })
	if len(subs) == 0 {
		delete(c.subscribers, channel)
	} else {
		c.subscribers[channel] = subs
	}
}

// ReplaceAll discards every entry and seeds the cache from the registry's
// snapshot.
func (c *Cache) ReplaceAll(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string][]string, len(snap.Services))
	for name, locs := range snap.Services {
		c.services[name] = slices.Clone(locs)
	}
	c.addresses = make(map[string]string, len(snap.Addresses))
	for loc, name := range snap.Addresses {
		c.addresses[loc] = name
	}
	c.subscribers = make(map[string][]string, len(snap.Subscriptions))
	for channel, locs := range snap.Subscriptions {
		c.subscribers[channel] = slices.Clone(locs)
	}
}

// PickLocation returns a uniformly random location for the name, or false
// if the name is absent.
func (c *Cache) PickLocation(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	locs := c.services[name]
	if len(locs) == 0 {
		return "", false
	}
	return locs[rand.Intn(len(locs))], true
}

// HasService reports whether at least one location is cached for the name.
func (c *Cache) HasService(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.services[name]) > 0
}

// Locations returns a copy of every cached location for the name.
func (c *Cache) Locations(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.services[name])
}

// ServiceFor resolves a location back to its service name.
func (c *Cache) ServiceFor(location string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.addresses[location]
	return name, ok
}

// Subscribers returns a copy of every cached subscriber location for the
// channel.
func (c *Cache) Subscribers(channel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.subscribers[channel])
}

// Clear drops all cached entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string][]string)
	c.addresses = make(map[string]string)
	c.subscribers = make(map[string][]string)
}
