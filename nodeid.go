package roled

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// NodeIDProvider returns a stable identifier for the current node.
type NodeIDProvider interface {
	NodeID() (string, error)
}

// DefaultNodeIDProvider derives the node identity from environment and
// host info. The identity is the lease holder value written to the leader
// key, so it must be stable across restarts: no two processes in the
// fleet may share one, and a restarted agent must present the same one.
type DefaultNodeIDProvider struct {
	prefix string

	once sync.Once
	id   string
	err  error
}

// DefaultNodeIDOption mutates DefaultNodeIDProvider construction.
type DefaultNodeIDOption func(*DefaultNodeIDProvider)

// WithNodePrefix adds a prefix to node IDs (useful for clusters/regions).
func WithNodePrefix(prefix string) DefaultNodeIDOption {
	return func(p *DefaultNodeIDProvider) {
		p.prefix = prefix
	}
}

// NewDefaultNodeIDProvider constructs a provider using environment hints.
func NewDefaultNodeIDProvider(opts ...DefaultNodeIDOption) *DefaultNodeIDProvider {
	p := &DefaultNodeIDProvider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NodeID returns a stable ID for the process lifetime.
func (p *DefaultNodeIDProvider) NodeID() (string, error) {
	p.once.Do(func() {
		base := firstNonEmpty(
			os.Getenv("NODE_ID"),
			os.Getenv("HOSTNAME"),
			readHostname(),
		)
		if base == "" {
			p.err = fmt.Errorf("no hostname or env var found for node id")
			return
		}
		if p.prefix != "" {
			p.id = sanitize(p.prefix) + "-" + sanitize(base)
			return
		}
		p.id = sanitize(base)
	})
	return p.id, p.err
}

// StaticNodeID is a fixed identity, mostly for tests.
type StaticNodeID string

// NodeID implements NodeIDProvider.
func (n StaticNodeID) NodeID() (string, error) { return string(n), nil }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func readHostname() string {
	h, _ := os.Hostname()
	return h
}

func sanitize(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
}
