package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type personalitiesDocument struct {
	Personalities []PersonalityConfig `yaml:"personalities"`
}

// LoadPersonalities decodes a YAML document of the form
//
//	personalities:
//	  - id: warm
//	    voice: kora
//	    style: empathetic
//	    response_format: text
func LoadPersonalities(r io.Reader) ([]PersonalityConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc personalitiesDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]struct{}, len(doc.Personalities))
	out := make([]PersonalityConfig, 0, len(doc.Personalities))
	for i, p := range doc.Personalities {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("personality #%d: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("personality %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p.withDefaults())
	}
	return out, nil
}

// LoadPersonalitiesFile reads personalities from path; an empty path yields none.
func LoadPersonalitiesFile(path string) ([]PersonalityConfig, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open personalities file %q: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	personalities, err := LoadPersonalities(f)
	if err != nil {
		return nil, fmt.Errorf("cannot load personalities file %q: %w", path, err)
	}
	return personalities, nil
}

func (p PersonalityConfig) withDefaults() PersonalityConfig {
	if strings.TrimSpace(p.Voice) == "" {
		p.Voice = DefaultPersonality.Voice
	}
	if strings.TrimSpace(p.Style) == "" {
		p.Style = DefaultPersonality.Style
	}
	if strings.TrimSpace(p.ResponseFormat) == "" {
		p.ResponseFormat = DefaultPersonality.ResponseFormat
	}
	return p
}
