package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// fileDoc is the on-disk shape for both the JSON and TOML registry formats:
// a flat list of arms under a single top-level key.
type fileDoc struct {
	Arms []domain.Arm `json:"arms" toml:"arms"`
}

// LoadFile reads a registry definition from path. The format is chosen by
// extension: ".toml" decodes with BurntSushi/toml, anything else
// (".json" included) decodes as JSON.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, conduiterr.NewConfigurationError(fmt.Sprintf("registry: reading %s: %v", path, err))
	}
	var doc fileDoc
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(raw), &doc); err != nil {
			return nil, conduiterr.NewConfigurationError(fmt.Sprintf("registry: parsing toml %s: %v", path, err))
		}
	} else {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, conduiterr.NewConfigurationError(fmt.Sprintf("registry: parsing json %s: %v", path, err))
		}
	}
	return New(doc.Arms)
}
