package netpolicy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenyAllBlocksEverything(t *testing.T) {
	p := DenyAll()
	for _, dir := range []Direction{Ingress, Egress, Both} {
		for _, port := range []int{0, 22, 80, 443, 65535} {
			assert.False(t, p.Allows(dir, port), "deny-all allowed %s:%d", dir, port)
		}
	}
}

func TestAllowAllPermitsEverything(t *testing.T) {
	p := AllowAll()
	for _, dir := range []Direction{Ingress, Egress} {
		for _, port := range []int{1, 22, 8080} {
			assert.True(t, p.Allows(dir, port), "allow-all denied %s:%d", dir, port)
		}
	}
}

func TestEgressOnly(t *testing.T) {
	p := EgressOnly()
	assert.True(t, p.Allows(Egress, 443))
	assert.True(t, p.Allows(Egress, 22))
	assert.False(t, p.Allows(Ingress, 443))
	assert.False(t, p.Allows(Ingress, 8080))
}

func TestHTTPOnly(t *testing.T) {
	p := HTTPOnly()
	assert.True(t, p.Allows(Egress, 80))
	assert.True(t, p.Allows(Egress, 443))
	assert.True(t, p.Allows(Ingress, 443))
	assert.False(t, p.Allows(Egress, 22))
	assert.False(t, p.Allows(Ingress, 8080))
}

// First-match-wins is load-bearing: with overlapping rules the verdict
// comes from declaration order, not specificity.
func TestPolicyOverlappingRulesFirstMatchWins(t *testing.T) {
	broadFirst := &Policy{
		Name: "broad-first",
		Rules: []Rule{
			{Direction: Egress, Action: Deny, Description: "all egress"},
			{Direction: Egress, Action: Allow, Port: 443, Description: "shadowed"},
		},
		Default: Allow,
	}
	assert.False(t, broadFirst.Allows(Egress, 443),
		"broad deny declared first must shadow the narrower allow")

	narrowFirst := &Policy{
		Name: "narrow-first",
		Rules: []Rule{
			{Direction: Egress, Action: Allow, Port: 443},
			{Direction: Egress, Action: Deny},
		},
		Default: Allow,
	}
	assert.True(t, narrowFirst.Allows(Egress, 443))
	assert.False(t, narrowFirst.Allows(Egress, 80))
}

func TestPolicyDefaultFallback(t *testing.T) {
	p := &Policy{
		Name:    "ssh-only",
		Rules:   []Rule{{Direction: Egress, Action: Allow, Port: 22}},
		Default: Deny,
	}
	assert.True(t, p.Allows(Egress, 22))
	assert.False(t, p.Allows(Egress, 23), "unmatched port falls back to default deny")
}

func TestPolicyConcurrentEvaluation(t *testing.T) {
	p := HTTPOnly()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = p.Allows(Egress, 443)
				_ = p.Allows(Ingress, 22)
			}
		}()
	}
	wg.Wait()
}

func TestNamespaceIsolation(t *testing.T) {
	ns := NewNamespace(DenyAll(), "oub0", nil)
	assert.True(t, ns.IsIsolated())
	assert.NotEmpty(t, ns.ID)
	assert.NotEqual(t, ns.VethHost, ns.VethPeer)
	assert.Equal(t, DefaultDNS, ns.DNS)

	open := NewNamespace(AllowAll(), "oub0", []string{"9.9.9.9"})
	assert.False(t, open.IsIsolated())
	assert.Equal(t, []string{"9.9.9.9"}, open.DNS)
}

func TestNamespaceNilPolicyDefaultsToDeny(t *testing.T) {
	ns := NewNamespace(nil, "oub0", nil)
	require.NotNil(t, ns.Policy)
	assert.True(t, ns.IsIsolated())
}

func TestLoadPolicyDocument(t *testing.T) {
	doc := []byte(`
name: registry-mirror
default: deny
rules:
  - direction: egress
    action: allow
    port: 443
    protocol: tcp
    cidr: 10.0.0.0/8
    description: internal mirror
  - direction: ingress
    action: deny
`)
	p, err := Load(doc)
	require.NoError(t, err)
	assert.Equal(t, "registry-mirror", p.Name)
	require.Len(t, p.Rules, 2)
	assert.True(t, p.Allows(Egress, 443))
	assert.False(t, p.Allows(Egress, 80))

	// Round trip.
	out, err := Marshal(p)
	require.NoError(t, err)
	back, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"missing name": "default: deny",
		"bad action":   "name: x\nrules:\n  - direction: egress\n    action: maybe",
		"bad dir":      "name: x\nrules:\n  - direction: sideways\n    action: allow",
		"bad default":  "name: x\ndefault: shrug",
		"not yaml":     "{{{",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefaultsToDeny(t *testing.T) {
	p, err := Load([]byte("name: bare"))
	require.NoError(t, err)
	assert.Equal(t, Deny, p.Default)
}
