package inference

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Extension declares operators a custom CPU runtime build provides kernels
// for, on top of the built-in operator domains.
//
//	name: ssd-layers
//	domain: org.openvinotoolkit
//	operators: [DetectionOutput, PriorBoxClustered]
//
// An empty operator list claims the whole domain.
type Extension struct {
	Path      string   `yaml:"-"`
	Name      string   `yaml:"name"`
	Domain    string   `yaml:"domain"`
	Operators []string `yaml:"operators"`
}

// LoadExtension reads an extension manifest.
func LoadExtension(path string) (*Extension, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read extension")
	}

	var ext Extension
	if err := yaml.Unmarshal(data, &ext); err != nil {
		return nil, errors.Wrapf(err, "parse extension %s", path)
	}
	if strings.TrimSpace(ext.Domain) == "" && len(ext.Operators) == 0 {
		return nil, errors.Newf("extension %s declares no domain and no operators", path)
	}

	ext.Path = path
	ext.Domain = normalizeDomain(strings.TrimSpace(ext.Domain))
	if ext.Name == "" {
		ext.Name = path
	}
	return &ext, nil
}

// Provides reports whether the extension supplies a kernel for op.
func (e *Extension) Provides(op Operator) bool {
	if op.Domain != e.Domain {
		return false
	}
	if len(e.Operators) == 0 {
		return true
	}
	for _, name := range e.Operators {
		if name == op.Type {
			return true
		}
	}
	return false
}
