package synccash

import (
	"testing"
	"time"

	"github.com/synccash/orchestrator/breaker"
)

func selectorFixture() (*Selector, *breaker.Manager, []*fakeAdapter) {
	mtn := newFakeAdapter(ProviderMTN, "24", "54", "55", "59")
	at := newFakeAdapter(ProviderAirtelTigo, "26", "27", "56", "57")
	voda := newFakeAdapter(ProviderVodafone, "20", "50")
	breakers := breaker.NewManager(breaker.DefaultConfig(), nil)
	sel := NewSelector([]ProviderAdapter{mtn, at, voda}, breakers)
	return sel, breakers, []*fakeAdapter{mtn, at, voda}
}

func trip(breakers *breaker.Manager, p Provider) {
	br := breakers.Get(string(p))
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		br.Allow()
		br.Record(time.Second, false)
	}
}

func TestSelectRoutesByPrefix(t *testing.T) {
	sel, _, _ := selectorFixture()

	providers, cross, err := sel.Select("+233241234567", MustAmount("100.00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if cross {
		t.Error("on-network selection marked cross-network")
	}
	if len(providers) != 1 || providers[0].Provider() != ProviderMTN {
		t.Fatalf("selected %d providers, want mtn only", len(providers))
	}
}

func TestSelectDeterministicOrder(t *testing.T) {
	sel, _, _ := selectorFixture()

	for i := 0; i < 5; i++ {
		providers, _, err := sel.Select("+233201234567", MustAmount("10.00"), "")
		if err != nil {
			t.Fatal(err)
		}
		if providers[0].Provider() != ProviderVodafone {
			t.Fatalf("run %d: primary = %s, want vodafone", i, providers[0].Provider())
		}
	}
}

func TestSelectSkipsOpenBreaker(t *testing.T) {
	sel, breakers, _ := selectorFixture()
	trip(breakers, ProviderMTN)

	providers, cross, err := sel.Select("+233241234567", MustAmount("100.00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !cross {
		t.Error("degraded routing not marked cross-network")
	}
	for _, p := range providers {
		if p.Provider() == ProviderMTN {
			t.Error("open-breaker provider still selected")
		}
	}
	if len(providers) != 2 {
		t.Fatalf("fallback set has %d providers, want the 2 healthy ones", len(providers))
	}
}

func TestSelectFiltersOnMaxLimit(t *testing.T) {
	sel, _, adapters := selectorFixture()
	adapters[0].limits.Max = MustAmount("50.00") // mtn

	providers, cross, err := sel.Select("+233241234567", MustAmount("100.00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !cross {
		t.Error("limit-filtered fallback not marked cross-network")
	}
	if providers[0].Provider() == ProviderMTN {
		t.Error("provider over its max limit still selected")
	}
}

func TestSelectPreferredProviderLeads(t *testing.T) {
	sel, _, _ := selectorFixture()

	// an airteltigo number with an explicit mtn preference: mtn leads
	// cross-network, the on-network operator is the failover
	providers, cross, err := sel.Select("+233270000001", MustAmount("50.00"), ProviderMTN)
	if err != nil {
		t.Fatal(err)
	}
	if !cross {
		t.Error("off-network preference not marked cross-network")
	}
	if len(providers) != 2 || providers[0].Provider() != ProviderMTN || providers[1].Provider() != ProviderAirtelTigo {
		t.Fatalf("order = %v, want [mtn airteltigo]", providerTags(providers))
	}
}

func TestSelectUnhealthyPreferenceIgnored(t *testing.T) {
	sel, breakers, _ := selectorFixture()
	trip(breakers, ProviderMTN)

	providers, cross, err := sel.Select("+233270000001", MustAmount("50.00"), ProviderMTN)
	if err != nil {
		t.Fatal(err)
	}
	if cross {
		t.Error("on-network fallback marked cross-network")
	}
	if providers[0].Provider() != ProviderAirtelTigo {
		t.Errorf("primary = %s, want airteltigo", providers[0].Provider())
	}
}

func providerTags(providers []ProviderAdapter) []Provider {
	out := make([]Provider, len(providers))
	for i, p := range providers {
		out[i] = p.Provider()
	}
	return out
}

func TestSelectNoEligibleProvider(t *testing.T) {
	sel, breakers, _ := selectorFixture()
	trip(breakers, ProviderMTN)
	trip(breakers, ProviderAirtelTigo)
	trip(breakers, ProviderVodafone)

	_, _, err := sel.Select("+233241234567", MustAmount("100.00"), "")
	if !IsKind(err, KindNoEligibleProvider) {
		t.Fatalf("err = %v, want no_eligible_provider", err)
	}
}
