// Package agents holds the read-only agent directory: who can be dispatched
// to, where they live, and what they are good at.
package agents

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// DefaultWeight is used when a profile does not declare one.
const DefaultWeight = 1.0

// AgentProfile describes one backend. Profiles are immutable once the
// directory is built.
type AgentProfile struct {
	ID          string   `yaml:"id" json:"id" mapstructure:"id"`
	Endpoint    string   `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	Specialties []string `yaml:"specialties" json:"specialties" mapstructure:"specialties"`
	Weight      float64  `yaml:"weight" json:"weight" mapstructure:"weight"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty" mapstructure:"model"`
	HealthURL   string   `yaml:"health_url,omitempty" json:"health_url,omitempty" mapstructure:"health_url"`
	RPM         int      `yaml:"rpm,omitempty" json:"rpm,omitempty" mapstructure:"rpm"`
}

// HasSpecialty reports whether tag is declared, ignoring case.
func (p AgentProfile) HasSpecialty(tag string) bool {
	return lo.ContainsBy(p.Specialties, func(s string) bool {
		return strings.EqualFold(s, tag)
	})
}

// HealthEndpoint returns the configured health URL or <scheme>://<host>/health.
func (p AgentProfile) HealthEndpoint() string {
	if p.HealthURL != "" {
		return p.HealthURL
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/health"
}

func (p AgentProfile) normalized() AgentProfile {
	p.ID = strings.TrimSpace(p.ID)
	p.Endpoint = strings.TrimSpace(p.Endpoint)
	if p.Weight == 0 {
		p.Weight = DefaultWeight
	}
	tags := lo.Map(p.Specialties, func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	p.Specialties = lo.Uniq(lo.Compact(tags))
	return p
}

func (p AgentProfile) validate() error {
	if p.ID == "" {
		return &ConfigurationError{Reason: "missing id", Err: ErrMalformedProfile}
	}
	if p.Endpoint == "" {
		return &ConfigurationError{AgentID: p.ID, Reason: "missing endpoint", Err: ErrMalformedProfile}
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{AgentID: p.ID, Reason: fmt.Sprintf("invalid endpoint %q", p.Endpoint), Err: ErrMalformedProfile}
	}
	if p.Weight < 0 {
		return &ConfigurationError{AgentID: p.ID, Reason: fmt.Sprintf("weight must be positive, got %v", p.Weight), Err: ErrMalformedProfile}
	}
	if p.RPM < 0 {
		return &ConfigurationError{AgentID: p.ID, Reason: "rpm must not be negative", Err: ErrMalformedProfile}
	}
	return nil
}

// Directory maps agent ids to profiles. It keeps registration order, which
// the router and voting tie-break rely on.
type Directory struct {
	order    []string
	profiles map[string]AgentProfile
}

// NewDirectory validates profiles and builds a directory. Duplicate ids are
// rejected.
func NewDirectory(profiles []AgentProfile) (*Directory, error) {
	d := &Directory{profiles: make(map[string]AgentProfile, len(profiles))}
	for _, raw := range profiles {
		p := raw.normalized()
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := d.profiles[p.ID]; dup {
			return nil, &ConfigurationError{AgentID: p.ID, Reason: "duplicate id", Err: ErrMalformedProfile}
		}
		p.Specialties = append([]string(nil), p.Specialties...)
		d.profiles[p.ID] = p
		d.order = append(d.order, p.ID)
	}
	return d, nil
}

// Lookup returns the profile for id.
func (d *Directory) Lookup(id string) (AgentProfile, error) {
	p, ok := d.profiles[id]
	if !ok {
		return AgentProfile{}, &ConfigurationError{AgentID: id, Err: ErrUnknownAgent}
	}
	p.Specialties = append([]string(nil), p.Specialties...)
	return p, nil
}

// IDs returns agent ids in registration order.
func (d *Directory) IDs() []string {
	return append([]string(nil), d.order...)
}

// All returns profiles in registration order.
func (d *Directory) All() []AgentProfile {
	out := make([]AgentProfile, 0, len(d.order))
	for _, id := range d.order {
		p, _ := d.Lookup(id)
		out = append(out, p)
	}
	return out
}

// Len is the number of registered agents.
func (d *Directory) Len() int { return len(d.order) }
