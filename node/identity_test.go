package node

import (
	"reflect"
	"testing"
	"time"

	"chainfeed/internal/group"
	"chainfeed/internal/truth"
)

func TestResolveIdentity_Precedence(t *testing.T) {
	doc := &truth.Document{Mesh: truth.MeshConfig{NodeID: "from-truth"}}

	t.Setenv("NODE_ID", "from-env")
	if id := resolveIdentity(doc, nil); id.NodeID != "from-env" {
		t.Errorf("node id = %q, want env to win", id.NodeID)
	}

	t.Setenv("NODE_ID", "")
	if id := resolveIdentity(doc, nil); id.NodeID != "from-truth" {
		t.Errorf("node id = %q, want truth fallback", id.NodeID)
	}

	doc.Mesh.NodeID = ""
	if id := resolveIdentity(doc, nil); id.NodeID == "" {
		t.Error("node id empty, want hostname fallback")
	}
}

func TestResolveIdentity_Groups(t *testing.T) {
	t.Setenv("NODE_ID", "n1")
	doc := &truth.Document{ChainFeed: truth.ChainFeedConfig{DefaultSymbols: []string{"SPX"}}}

	id := resolveIdentity(doc, nil)
	if !reflect.DeepEqual(id.Groups, []string{DefaultGroup}) {
		t.Errorf("groups = %v, want [default]", id.Groups)
	}
	if syms := groupSymbols(doc, nil, id); !reflect.DeepEqual(syms["default"], []string{"SPX"}) {
		t.Errorf("default symbols = %v, want [SPX]", syms["default"])
	}

	reg := &group.Registry{Groups: map[string][]string{
		"spx_complex": {"SPX", "SPY"},
	}}
	id = resolveIdentity(doc, reg)
	if !reflect.DeepEqual(id.Groups, []string{"spx_complex"}) {
		t.Errorf("groups = %v, want registry groups", id.Groups)
	}
	syms := groupSymbols(doc, reg, id)
	if !reflect.DeepEqual(syms["spx_complex"], []string{"SPX", "SPY"}) {
		t.Errorf("group symbols = %v", syms)
	}
}

func TestGraceFromEnv(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", defaultShutdownGrace},
		{"3", 3 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"garbage", defaultShutdownGrace},
		{"-2", defaultShutdownGrace},
	}
	for _, c := range cases {
		t.Setenv("SHUTDOWN_GRACE_DELAY", c.raw)
		if got := graceFromEnv(); got != c.want {
			t.Errorf("graceFromEnv(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}
