package synccash

import (
	"fmt"

	"github.com/synccash/orchestrator/breaker"
)

// Selector produces the ordered provider list for a payment: the head
// is the primary, the rest is the failover order for the retry engine.
type Selector struct {
	adapters []ProviderAdapter // configured priority order
	breakers *breaker.Manager
}

// NewSelector creates a selector over adapters in priority order
func NewSelector(adapters []ProviderAdapter, breakers *breaker.Manager) *Selector {
	return &Selector{adapters: adapters, breakers: breakers}
}

// Select filters the adapters for a destination phone and amount.
// A healthy preferred provider is promoted to primary even off its
// network. When no operator owns the prefix (or all that do are
// unhealthy) it falls back to any healthy adapter. crossNetwork
// reports whether the primary does not own the destination's prefix.
// With nothing left it fails with no_eligible_provider.
func (s *Selector) Select(phone string, amount Amount, preferred Provider) (providers []ProviderAdapter, crossNetwork bool, err error) {
	healthy := func(a ProviderAdapter) bool {
		if s.breakers.Get(string(a.Provider())).State() == breaker.StateOpen {
			return false
		}
		return a.Limits().Max >= amount
	}

	var head ProviderAdapter
	if preferred != "" {
		for _, a := range s.adapters {
			if a.Provider() == preferred && healthy(a) {
				head = a
				break
			}
		}
	}

	if head != nil {
		providers = append(providers, head)
	}
	for _, a := range s.adapters {
		if a != head && a.SupportsPhone(phone) && healthy(a) {
			providers = append(providers, a)
		}
	}
	if len(providers) > 0 {
		return providers, !providers[0].SupportsPhone(phone), nil
	}

	for _, a := range s.adapters {
		if healthy(a) {
			providers = append(providers, a)
		}
	}
	if len(providers) > 0 {
		return providers, true, nil
	}

	return nil, false, NewError(KindNoEligibleProvider, "",
		fmt.Sprintf("no eligible provider for %s amount %s", phone, amount))
}
