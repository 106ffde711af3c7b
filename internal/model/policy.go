package model

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// WeightTol is the tolerance used when checking that a weight set sums to 1.
const WeightTol = 1e-9

// RetentionMethod names a component retention decision. The decision is
// made offline by an analyst after inspecting the variance-explained
// spread and is passed in explicitly; the pipeline never infers one.
type RetentionMethod string

const (
	// RetentionTopK retains the first K components.
	RetentionTopK RetentionMethod = "top_k"
	// RetentionReject records that PCA variance was too evenly spread to
	// justify component selection; the domain uses the weighted-sum
	// fallback instead.
	RetentionReject RetentionMethod = "reject"
)

// RetentionPolicy is the recorded analyst decision for one domain.
type RetentionPolicy struct {
	Method RetentionMethod `yaml:"method" json:"method"`
	K      int             `yaml:"k" json:"k,omitempty"`
}

// FallbackPolicy configures the weighted-sum builder used when the
// retention policy is reject. Weights are keyed by indicator name and
// sum to 1. Indicators listed in Invert point the "wrong" way in raw
// form (higher value means less vulnerable) and are flipped after
// min-max normalization.
type FallbackPolicy struct {
	Weights map[string]float64 `yaml:"weights" json:"weights"`
	Invert  []string           `yaml:"invert" json:"invert,omitempty"`
}

// InvertSet returns the inverted indicators as a lookup set.
func (f FallbackPolicy) InvertSet() map[string]bool {
	set := make(map[string]bool, len(f.Invert))
	for _, name := range f.Invert {
		set[name] = true
	}
	return set
}

// DomainPolicy configures one domain index computation.
type DomainPolicy struct {
	Name       string          `yaml:"name" json:"name"`
	Indicators []string        `yaml:"indicators" json:"indicators"`
	Retention  RetentionPolicy `yaml:"retention" json:"retention"`

	// SignAnchor names an indicator whose loading fixes the polarity of
	// the first component: after alignment the anchor loads positively,
	// or negatively when AnchorNegates is set (the anchor's raw values
	// mean "higher is better").
	SignAnchor    string `yaml:"sign_anchor" json:"sign_anchor,omitempty"`
	AnchorNegates bool   `yaml:"anchor_negates" json:"anchor_negates,omitempty"`

	Fallback *FallbackPolicy `yaml:"fallback" json:"fallback,omitempty"`
}

// CompositePolicy holds the per-domain importance weights for the
// composite index. Keys must match the domain names exactly.
type CompositePolicy struct {
	Weights map[string]float64 `yaml:"weights" json:"weights"`
}

// PipelinePolicy is the full recorded decision set for a run, loaded from
// a policy YAML file.
type PipelinePolicy struct {
	Domains   []DomainPolicy  `yaml:"domains" json:"domains"`
	Composite CompositePolicy `yaml:"composite" json:"composite"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*PipelinePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}
	var p PipelinePolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "policy: parse %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural invariants: at least one domain, unique
// domain names, retention decisions that are actually applicable, weight
// sets that sum to 1, and composite weights covering exactly the domain
// set.
func (p *PipelinePolicy) Validate() error {
	if len(p.Domains) == 0 {
		return eris.New("policy: no domains defined")
	}

	seen := make(map[string]bool, len(p.Domains))
	for _, d := range p.Domains {
		if d.Name == "" {
			return eris.New("policy: domain with empty name")
		}
		if seen[d.Name] {
			return eris.Errorf("policy: duplicate domain %s", d.Name)
		}
		seen[d.Name] = true

		if err := d.validate(); err != nil {
			return err
		}
	}

	if err := checkWeightSum("composite", p.Composite.Weights); err != nil {
		return err
	}
	if len(p.Composite.Weights) != len(p.Domains) {
		return eris.Errorf("policy: composite weights cover %d domains, policy defines %d",
			len(p.Composite.Weights), len(p.Domains))
	}
	for _, d := range p.Domains {
		if _, ok := p.Composite.Weights[d.Name]; !ok {
			return eris.Errorf("policy: composite weights missing domain %s", d.Name)
		}
	}

	return nil
}

func (d DomainPolicy) validate() error {
	if len(d.Indicators) == 0 {
		return eris.Errorf("policy: domain %s has no indicators", d.Name)
	}
	indicators := make(map[string]bool, len(d.Indicators))
	for _, name := range d.Indicators {
		if indicators[name] {
			return eris.Errorf("policy: domain %s lists indicator %s twice", d.Name, name)
		}
		indicators[name] = true
	}

	switch d.Retention.Method {
	case RetentionTopK:
		if d.Retention.K < 1 || d.Retention.K > len(d.Indicators) {
			return eris.Errorf("policy: domain %s: top_k k must be in [1, %d], got %d",
				d.Name, len(d.Indicators), d.Retention.K)
		}
	case RetentionReject:
		if d.Fallback == nil {
			return eris.Errorf("policy: domain %s rejects PCA but has no fallback", d.Name)
		}
	default:
		return eris.Errorf("policy: domain %s: unknown retention method %q", d.Name, d.Retention.Method)
	}

	if d.SignAnchor != "" && !indicators[d.SignAnchor] {
		return eris.Errorf("policy: domain %s: sign anchor %s is not one of its indicators", d.Name, d.SignAnchor)
	}

	if d.Fallback != nil {
		if err := checkWeightSum(d.Name+" fallback", d.Fallback.Weights); err != nil {
			return err
		}
		for name := range d.Fallback.Weights {
			if !indicators[name] {
				return eris.Errorf("policy: domain %s: fallback weight for unknown indicator %s", d.Name, name)
			}
		}
		for _, name := range d.Fallback.Invert {
			if _, ok := d.Fallback.Weights[name]; !ok {
				return eris.Errorf("policy: domain %s: inverted indicator %s has no fallback weight", d.Name, name)
			}
		}
	}

	return nil
}

// checkWeightSum verifies a weight set is non-empty, non-negative, and
// sums to 1 within WeightTol.
func checkWeightSum(what string, weights map[string]float64) error {
	if len(weights) == 0 {
		return eris.Errorf("policy: %s weights are empty", what)
	}
	sum := 0.0
	for name, w := range weights {
		if w < 0 {
			return eris.Errorf("policy: %s weight for %s is negative", what, name)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightTol {
		return eris.Errorf("policy: %s weights sum to %v, want 1", what, sum)
	}
	return nil
}
