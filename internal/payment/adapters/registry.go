package adapters

import (
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/melodia/internal/config"
	"github.com/smallbiznis/melodia/internal/payment/domain"
)

// Registry resolves webhook adapters by provider name. Adapters are built
// lazily from their registered config and cached.
type Registry struct {
	mu        sync.Mutex
	factories map[string]domain.AdapterFactory
	configs   map[string]domain.AdapterConfig
	built     map[string]domain.PaymentAdapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		configs:   map[string]domain.AdapterConfig{},
		built:     map[string]domain.PaymentAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// Configure sets the adapter config for a provider, dropping any cached adapter.
func (r *Registry) Configure(provider string, values map[string]any) {
	provider = normalize(provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[provider] = domain.AdapterConfig{Provider: provider, Config: values}
	delete(r.built, provider)
}

// ConfigureFromGateway registers the configured gateway's webhook secret
// and, when present, the Adyen notification key.
func (r *Registry) ConfigureFromGateway(cfg config.GatewayConfig) {
	r.Configure(cfg.Provider, map[string]any{
		"webhook_secret": cfg.WebhookSecret,
	})
	if cfg.AdyenHMACKey != "" {
		r.Configure("adyen", map[string]any{
			"hmac_key": cfg.AdyenHMACKey,
		})
	}
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.factories))
	for provider := range r.factories {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.built[provider]; ok {
		return adapter, nil
	}
	cfg, ok := r.configs[provider]
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	adapter, err := factory.NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	r.built[provider] = adapter
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
