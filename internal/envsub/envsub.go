// Package envsub resolves ${services.<id>.<property>} references in service
// environment maps. Resolution is best-effort: unresolved references stay in
// place so the problem is visible in the resulting value, and a message is
// collected for each failure instead of aborting.
package envsub

import (
	"fmt"
	"regexp"

	"github.com/devdeck/devdeck/internal/domain"
)

var refPattern = regexp.MustCompile(`\$\{services\.([A-Za-z0-9_-]+)\.([A-Za-z0-9_]+)\}`)

// Resolve substitutes cross-service references in env using the full service
// list. It returns the resolved map and human-readable messages for every
// reference that could not be resolved.
func Resolve(env map[string]string, services []domain.Service) (map[string]string, []string) {
	byID := make(map[string]*domain.Service, len(services))
	for i := range services {
		byID[services[i].ID] = &services[i]
	}

	resolved := make(map[string]string, len(env))
	var errs []string
	for key, value := range env {
		resolved[key] = refPattern.ReplaceAllStringFunc(value, func(ref string) string {
			m := refPattern.FindStringSubmatch(ref)
			serviceID, property := m[1], m[2]
			svc, ok := byID[serviceID]
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: unknown service %q in reference %s", key, serviceID, ref))
				return ref
			}
			val, ok := svc.Property(property)
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: service %q has no value for property %q", key, serviceID, property))
				return ref
			}
			return val
		})
	}
	return resolved, errs
}
