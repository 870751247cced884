package adapter

import (
	"net/http"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
)

// NewRegistry registers a RemoteAdapter for every provider with an executor
// URL and runs the rest locally through driver.
func NewRegistry(providers []service.ProviderConfig, executorURLs map[string]string, driver Driver, client *http.Client) *service.AdapterRegistry {
	registry := service.NewAdapterRegistry()
	local := NewSequenceAdapter(driver)
	for _, p := range providers {
		if url, ok := executorURLs[p.Name]; ok && url != "" {
			registry.Register(p.Name, NewRemoteAdapter(p.Name, url, client))
			continue
		}
		registry.Register(p.Name, local)
	}
	return registry
}
