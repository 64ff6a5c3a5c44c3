// Package catalog holds the declarative service roster: which containers make up the
// stack, which port answers health probes, and whether the container lives inside the
// gateway's network namespace.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placement says how a service is reached on the network.
type Placement string

const (
	// PlacementDirect services are reachable by their own container name.
	PlacementDirect Placement = "direct"
	// PlacementGateway services share the gateway's network namespace.
	PlacementGateway Placement = "gateway"
)

var (
	serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	releaseRepoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
)

//go:embed default_services.yaml
var defaultRoster []byte

// Service is one roster entry.
type Service struct {
	Name        string    `yaml:"name" json:"name"`
	Container   string    `yaml:"container,omitempty" json:"container,omitempty"`
	Port        int       `yaml:"port" json:"port"`
	Placement   Placement `yaml:"placement" json:"placement"`
	Category    string    `yaml:"category,omitempty" json:"category,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	// ReleaseRepo is the upstream GitHub "owner/name" for image-based services.
	ReleaseRepo string `yaml:"release_repo,omitempty" json:"release_repo,omitempty"`
}

// ContainerName returns the compose service name used with the container engine.
func (s Service) ContainerName() string {
	if s.Container != "" {
		return s.Container
	}
	return s.Name
}

// Catalog is an immutable, validated roster.
type Catalog struct {
	services []Service
	byName   map[string]Service
}

type rosterFile struct {
	Services []Service `yaml:"services"`
}

// Load reads the roster from path, falling back to the built-in roster when the file
// does not exist.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Default returns the built-in roster.
func Default() *Catalog {
	c, err := Parse(defaultRoster)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in roster is invalid: %v", err))
	}
	return c
}

// Parse decodes and validates a YAML roster.
func Parse(data []byte) (*Catalog, error) {
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: decode roster: %w", err)
	}
	if len(file.Services) == 0 {
		return nil, errors.New("catalog: roster lists no services")
	}
	c := &Catalog{byName: make(map[string]Service, len(file.Services))}
	for i, svc := range file.Services {
		svc.Name = strings.TrimSpace(svc.Name)
		if !serviceNamePattern.MatchString(svc.Name) {
			return nil, fmt.Errorf("catalog: entry %d has invalid name %q", i, svc.Name)
		}
		if _, dup := c.byName[svc.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate service %q", svc.Name)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return nil, fmt.Errorf("catalog: service %q has invalid port %d", svc.Name, svc.Port)
		}
		if svc.ReleaseRepo != "" && !releaseRepoPattern.MatchString(svc.ReleaseRepo) {
			return nil, fmt.Errorf("catalog: service %q has invalid release_repo %q", svc.Name, svc.ReleaseRepo)
		}
		switch svc.Placement {
		case "":
			svc.Placement = PlacementDirect
		case PlacementDirect, PlacementGateway:
		default:
			return nil, fmt.Errorf("catalog: service %q has unknown placement %q", svc.Name, svc.Placement)
		}
		c.services = append(c.services, svc)
		c.byName[svc.Name] = svc
	}
	return c, nil
}

// Services returns a copy of the roster in file order.
func (c *Catalog) Services() []Service {
	out := make([]Service, len(c.services))
	copy(out, c.services)
	return out
}

// Lookup finds a service by name.
func (c *Catalog) Lookup(name string) (Service, bool) {
	svc, ok := c.byName[name]
	return svc, ok
}

// Dependents returns the container names bound to the gateway's network, sorted.
func (c *Catalog) Dependents() []string {
	var names []string
	for _, svc := range c.services {
		if svc.Placement == PlacementGateway {
			names = append(names, svc.ContainerName())
		}
	}
	sort.Strings(names)
	return names
}

// ProbeHost returns the host a TCP probe for svc must dial. Services inside the
// gateway's namespace only answer on the gateway container's address.
func (c *Catalog) ProbeHost(svc Service, prefix, gateway string) string {
	if svc.Placement == PlacementGateway {
		return prefix + gateway
	}
	return prefix + svc.ContainerName()
}
