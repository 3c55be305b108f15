package clusterconfig

import "testing"

func testConfig() *Config {
	return New(&File{
		SelfNodeID: 1,
		Peers: []PeerNode{
			{ID: 2, RpcAddr: "10.0.0.2:9090"},
			{ID: 3, RpcAddr: "10.0.0.3:9090"},
		},
	})
}

func TestIsLocal(t *testing.T) {
	c := testConfig()

	if !c.IsLocal(1) {
		t.Error("node 1 should be local")
	}
	if c.IsLocal(2) {
		t.Error("node 2 should not be local")
	}
}

func TestPeerAddr(t *testing.T) {
	c := testConfig()

	addr, ok := c.PeerAddr(2)
	if !ok || addr != "10.0.0.2:9090" {
		t.Errorf("got (%q, %v)", addr, ok)
	}

	if _, ok := c.PeerAddr(99); ok {
		t.Error("unknown peer should not resolve")
	}
}

func TestAuthoritativeNodeIsStable(t *testing.T) {
	c := testConfig()

	first := c.AuthoritativeNode("blob/some-blob-name")
	for i := 0; i < 10; i++ {
		if got := c.AuthoritativeNode("blob/some-blob-name"); got != first {
			t.Errorf("hash routing not stable: got %d, want %d", got, first)
		}
	}
}

func TestAuthoritativeNodeIsWithinCluster(t *testing.T) {
	c := testConfig()
	validNodes := map[uint32]bool{1: true, 2: true, 3: true}

	for _, name := range []string{"a", "b", "c", "blob/x", "vbucket/y"} {
		node := c.AuthoritativeNode(name)
		if !validNodes[node] {
			t.Errorf("AuthoritativeNode(%q) = %d, not a cluster member", name, node)
		}
	}
}
