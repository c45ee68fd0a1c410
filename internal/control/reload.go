package control

import (
	"fmt"
	"slices"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

// Reload re-reads the configuration at path and swaps it in. Running servers
// keep their identity until their next start. Inactive servers that vanished
// from the file are dropped from the registry.
func (s *Service) Reload(path string) error {
	next, err := config.LoadWithEnvExpansion(path)
	if err != nil {
		s.audit.LogConfigReload(path, err)
		return fmt.Errorf("failed to reload config: %w", err)
	}

	prev := s.Config()
	if prev.Watchdog.Address != next.Watchdog.Address || prev.Watchdog.Port != next.Watchdog.Port {
		s.logger.Warn("Control plane address change takes effect after restart",
			"current", fmt.Sprintf("%s:%d", prev.Watchdog.Address, prev.Watchdog.Port))
	}
	s.UpdateConfig(next)

	changed := ChangedServers(prev, next)
	for _, id := range changed {
		if _, ok := next.Servers[id]; ok {
			continue
		}
		if err := s.registry.Remove(id); err != nil {
			s.logger.Info("Removed server still running, keeping its supervisor", "server", id)
		}
	}

	s.logger.Info("Configuration reloaded", "path", path, "servers", len(next.Servers), "changed", changed)
	s.audit.LogConfigReload(path, nil)
	return nil
}

// ChangedServers lists the ids added, removed or modified between two configurations
func ChangedServers(prev, next *config.Config) []string {
	var changed []string
	for id, identity := range next.Servers {
		if old, ok := prev.Servers[id]; !ok || !old.Equal(identity) {
			changed = append(changed, id)
		}
	}
	for id := range prev.Servers {
		if _, ok := next.Servers[id]; !ok {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed
}
