package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mirai-compass/pkg"
)

type fileCatalog struct {
	Questions []pkg.Question `yaml:"questions"`
}

// Load reads a questionnaire from a YAML file.  An empty path returns the
// built-in questionnaire.
func Load(path string) ([]pkg.Question, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := Validate(fc.Questions); err != nil {
		return nil, err
	}
	return fc.Questions, nil
}
