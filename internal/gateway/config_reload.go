package gateway

import (
	"fmt"

	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/logger"
)

// UpdateConfig updates the gateway configuration (hot reload). A
// configuration that changes the listener address or TLS material is
// rejected as a whole, since those require a process restart.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := g.applyConfigReload(newConfig); err != nil {
		return err
	}

	logger.L.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe).
func (g *Gateway) GetConfig() *config.Config {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}
