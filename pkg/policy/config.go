package policy

import (
	"os"

	"gopkg.in/yaml.v3"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

// FileConfig is the on-disk shape of the blocklist/mode file consumed at
// startup: "mode", "domains", and "keywords" keys.
type FileConfig struct {
	Mode     model.PolicyMode `yaml:"mode"`
	Domains  []string         `yaml:"domains"`
	Keywords []string         `yaml:"keywords"`
}

// LoadFile reads and parses a YAML policy file at path, returning the
// process-wide PolicyMode and the Blocklist it seeds. An empty or absent
// mode defaults to intercept, which holds requests for review instead of
// silently forwarding them.
func LoadFile(path string) (model.PolicyMode, model.Blocklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", model.Blocklist{}, ierrors.NewValidationError("reading policy config: " + err.Error())
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return "", model.Blocklist{}, ierrors.NewValidationError("parsing policy config: " + err.Error())
	}

	mode := fc.Mode
	if mode == "" {
		mode = model.ModeIntercept
	}

	return mode, model.Blocklist{Domains: fc.Domains, Keywords: fc.Keywords}, nil
}
