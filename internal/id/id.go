// Package id generates the identifiers the SDK mints locally: correlation
// ids for task events and secrets for the self-managed proxy tunnel.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered UUIDs.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers with a configurable strategy.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewEventID mints a correlation id for an outgoing task event.
func NewEventID() string {
	return defaultGenerator.newIdentifier("e")
}

// NewTunnelID mints an identifier for a proxy tunnel instance.
func NewTunnelID() string {
	return defaultGenerator.newIdentifier("tun")
}

// NewSecret returns an unprefixed random string usable as a one-off
// credential (proxy password).
func NewSecret() string {
	return ksuid.New().String()
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		if u, err := uuid.NewV7(); err == nil {
			body = u.String()
			break
		}
		fallthrough
	default:
		body = ksuid.New().String()
	}
	return fmt.Sprintf("%s-%s", prefix, body)
}
