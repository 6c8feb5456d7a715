package lifecycle

import (
	"os"

	"github.com/flurbudurbur/Kura/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Manifest lists the URLs fetched on install.
type Manifest struct {
	// Static is precached all-or-nothing.
	Static []string `yaml:"static"`
	// API is pre-warmed best effort.
	API []string `yaml:"api"`
}

func DefaultManifest() Manifest {
	return Manifest{
		Static: []string{"/", "/index.html", "/manifest.json"},
		API:    []string{},
	}
}

// LoadManifest reads a YAML manifest. An empty path yields the defaults.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "could not read precache manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "could not parse precache manifest %s", path)
	}

	return m, nil
}
