package knowledgegraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

func edgeIDs(edges []schemas.GraphEdge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, edgeID(e))
	}
	return out
}

func TestProject_Phone(t *testing.T) {
	t.Parallel()
	record := &schemas.EntityRecord{
		Type:           schemas.EntityPhone,
		CanonicalValue: "+14155550100",
		RiskScore:      40,
		ThreatLevel:    schemas.ThreatMedium,
		RiskFactors:    []string{"voip_number"},
		Attributes: schemas.Attributes{
			RawInputs: []string{"(415) 555-0100"},
			Phone: &schemas.PhoneAttributes{
				Country:      schemas.Ptr("US"),
				Carrier:      schemas.Ptr("Acme  Mobile"),
				IsVOIP:       schemas.Ptr(true),
				VOIPProvider: schemas.Ptr("TextNow"),
				Timezones:    []string{"America/Los_Angeles"},
			},
		},
		FirstSeen: t0,
		LastSeen:  t1,
	}

	p := Project(record)

	require.NotEmpty(t, p.Nodes)
	subject := p.Nodes[0]
	assert.Equal(t, "Phone:+14155550100", subject.Ref().String())
	assert.Equal(t, 40, subject.Properties["risk_score"])
	assert.Equal(t, "medium", subject.Properties["threat_level"])
	assert.Equal(t, true, subject.Properties["is_voip"])
	assert.Equal(t, []string{"(415) 555-0100"}, subject.Lists["raw_inputs"])
	assert.Equal(t, []string{"voip_number"}, subject.Properties["risk_factors"])
	assert.NotContains(t, subject.Lists, "risk_factors")
	assert.Equal(t, []string{"America/Los_Angeles"}, subject.Lists["timezones"])

	assert.ElementsMatch(t, []string{
		"LOCATED_IN|Phone:+14155550100|Country:US",
		"SERVED_BY|Phone:+14155550100|Carrier:acme mobile",
		"USES_VOIP|Phone:+14155550100|VOIPProvider:textnow",
	}, edgeIDs(p.Edges))

	for _, n := range p.Nodes[1:] {
		assert.NotEmpty(t, n.Properties["name"], "infrastructure nodes keep their display name")
		require.NoError(t, validateNode(n))
	}
	require.NoError(t, validateNode(subject))
}

func TestProject_NonVOIPSkipsProvider(t *testing.T) {
	t.Parallel()
	p := Project(&schemas.EntityRecord{
		Type:           schemas.EntityPhone,
		CanonicalValue: "+14155550100",
		Attributes: schemas.Attributes{Phone: &schemas.PhoneAttributes{
			IsVOIP:       schemas.Ptr(false),
			VOIPProvider: schemas.Ptr("TextNow"),
		}},
	})
	assert.Empty(t, p.Edges)
	assert.Len(t, p.Nodes, 1)
}

func TestProject_DomainAndHandle(t *testing.T) {
	t.Parallel()

	domain := Project(&schemas.EntityRecord{
		Type:           schemas.EntityDomain,
		CanonicalValue: "example.com",
		Attributes: schemas.Attributes{Domain: &schemas.DomainAttributes{
			Registrar:   schemas.Ptr("NameCheap, Inc."),
			HostingOrg:  schemas.Ptr("Cloudflare"),
			CDN:         schemas.Ptr("Cloudflare"),
			CMS:         schemas.Ptr("WordPress"),
			IPs:         []string{"104.16.0.1"},
			NameServers: []string{"ns1.example.net"},
		}},
	})
	assert.ElementsMatch(t, []string{
		"REGISTERED_WITH|Domain:example.com|Registrar:namecheap, inc.",
		"HOSTED_ON|Domain:example.com|Host:cloudflare",
		"USES_CDN|Domain:example.com|CDN:cloudflare",
		"USES_CMS|Domain:example.com|CMS:wordpress",
	}, edgeIDs(domain.Edges))
	assert.Equal(t, []string{"104.16.0.1"}, domain.Nodes[0].Lists["ips"])

	handle := Project(&schemas.EntityRecord{
		Type:           schemas.EntityHandle,
		CanonicalValue: "@alice",
		Attributes: schemas.Attributes{Handle: &schemas.HandleAttributes{
			Platform:    schemas.Ptr("telegram"),
			LinkedPhone: schemas.Ptr("+14155550100"),
		}},
	})
	assert.Equal(t, "Handle:alice", handle.Nodes[0].Ref().String())
	assert.ElementsMatch(t, []string{
		"ON_PLATFORM|Handle:alice|Platform:telegram",
		"LINKED_TO|Handle:alice|Phone:+14155550100",
	}, edgeIDs(handle.Edges))
}

func TestProject_NilRecord(t *testing.T) {
	t.Parallel()
	p := Project(nil)
	assert.Empty(t, p.Nodes)
	assert.Empty(t, p.Edges)
}

func TestApply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	record := &schemas.EntityRecord{
		Type:           schemas.EntityWallet,
		CanonicalValue: "0x52908400098527886E0F7030069857D2E4169EE7",
		Attributes: schemas.Attributes{Wallet: &schemas.WalletAttributes{
			Chain:    schemas.Ptr("ethereum"),
			Currency: schemas.Ptr("ETH"),
			Labels:   []string{"exchange"},
		}},
		LastSeen: t1,
	}
	require.NoError(t, Apply(ctx, kg, Project(record)))
	require.NoError(t, Apply(ctx, kg, Project(record)), "replaying a projection is harmless")

	snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Edges, 1)

	t.Run("collects every failure", func(t *testing.T) {
		bad := schemas.GraphProjection{
			Nodes: []schemas.GraphNode{{Label: "Nope", Key: "x"}, {Label: schemas.LabelPhone, Key: "+1"}},
			Edges: []schemas.GraphEdge{{Type: "bad type"}},
		}
		err := Apply(ctx, kg, bad)
		require.Error(t, err)
		var joined interface{ Unwrap() []error }
		require.True(t, errors.As(err, &joined))
		assert.Len(t, joined.Unwrap(), 2)
	})
}
