package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML file tuning demo runs without touching
// the environment: default run options plus per-service port
// overrides.
type Profile struct {
	DefaultMode        string         `yaml:"defaultMode"`
	AgreementWindowSec int            `yaml:"agreementWindowSec"`
	StartServices      *bool          `yaml:"startServices"`
	KeepServices       *bool          `yaml:"keepServices"`
	Ports              map[string]int `yaml:"ports"`
}

// LoadProfile reads a profile from path. A missing file yields a zero
// profile, not an error.
func LoadProfile(path string) (Profile, error) {
	var profile Profile
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return profile, fmt.Errorf("orchestrator: read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return profile, fmt.Errorf("orchestrator: parse profile %s: %w", path, err)
	}
	if profile.DefaultMode != "" {
		switch profile.DefaultMode {
		case ModeHappy, ModeDispute, ModeFull:
		default:
			return Profile{}, fmt.Errorf("orchestrator: profile %s: defaultMode must be happy, dispute, or full", path)
		}
	}
	return profile, nil
}

// Apply folds the profile's run defaults into opts. Request-supplied
// values are applied by the caller afterwards and win.
func (p Profile) Apply(opts RunOptions) RunOptions {
	if p.AgreementWindowSec > 0 && opts.AgreementWindowSec <= 0 {
		opts.AgreementWindowSec = p.AgreementWindowSec
	}
	if p.StartServices != nil {
		opts.StartServices = *p.StartServices
	}
	if p.KeepServices != nil {
		opts.KeepServices = *p.KeepServices
	}
	return opts
}

// ApplyPorts overrides service ports named in the profile.
func (p Profile) ApplyPorts(defs []ServiceDef) []ServiceDef {
	if len(p.Ports) == 0 {
		return defs
	}
	out := make([]ServiceDef, len(defs))
	copy(out, defs)
	for i, def := range out {
		if port, ok := p.Ports[def.Name]; ok && port > 0 {
			out[i].Port = port
		}
	}
	return out
}
