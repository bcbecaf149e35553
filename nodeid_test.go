package roled

import "testing"

func TestDefaultNodeIDFromEnv(t *testing.T) {
	t.Setenv("NODE_ID", "Node 3")
	p := NewDefaultNodeIDProvider()
	id, err := p.NodeID()
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	if id != "node-3" {
		t.Fatalf("expected sanitized env id, got %q", id)
	}
}

func TestDefaultNodeIDStableAcrossCalls(t *testing.T) {
	t.Setenv("NODE_ID", "alpha")
	p := NewDefaultNodeIDProvider()
	first, err := p.NodeID()
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	t.Setenv("NODE_ID", "beta")
	second, _ := p.NodeID()
	if first != second {
		t.Fatalf("node id must be pinned for the process lifetime: %q vs %q", first, second)
	}
}

func TestDefaultNodeIDPrefix(t *testing.T) {
	t.Setenv("NODE_ID", "node1")
	p := NewDefaultNodeIDProvider(WithNodePrefix("rack2"))
	id, err := p.NodeID()
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	if id != "rack2-node1" {
		t.Fatalf("expected prefixed id, got %q", id)
	}
}

func TestDefaultNodeIDFallsBackToHostname(t *testing.T) {
	t.Setenv("NODE_ID", "")
	t.Setenv("HOSTNAME", "")
	id, err := NewDefaultNodeIDProvider().NodeID()
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	if id == "" {
		t.Fatalf("expected hostname-derived id")
	}
}

func TestStaticNodeID(t *testing.T) {
	id, err := StaticNodeID("fixed").NodeID()
	if err != nil || id != "fixed" {
		t.Fatalf("static id: %q err=%v", id, err)
	}
}
