package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/askdeck/askdeck/pkg/generation"
)

// Profile is a per-assistant preset loaded from YAML, overridable by
// flags.
type Profile struct {
	Model        string `yaml:"model"`
	FastModel    string `yaml:"fast_model"`
	SystemPrompt string `yaml:"system_prompt"`
	Citations    bool   `yaml:"citations"`
	FastMode     bool   `yaml:"fast_mode"`
}

func defaultProfile() Profile {
	return Profile{
		Model:     "gpt-4o",
		FastModel: "gpt-4o-mini",
		Citations: true,
	}
}

func loadProfile(path string) (Profile, error) {
	profile := defaultProfile()
	if path == "" {
		return profile, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return profile, errors.Wrapf(err, "failed to read profile %s", path)
	}
	if err := yaml.Unmarshal(b, &profile); err != nil {
		return profile, errors.Wrapf(err, "failed to parse profile %s", path)
	}
	return profile, nil
}

func (p Profile) GenerationOptions() generation.Options {
	return generation.Options{
		Citations: p.Citations,
		FastMode:  p.FastMode,
	}
}
