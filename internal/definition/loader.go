// Package definition loads YAML workflow definitions, validates them, and
// provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/skillflow/model"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DefinitionFile.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var defs []model.DefinitionFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. Every workflow in
// the file inherits the file's checksum and source path.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path
	for i := range def.Workflows {
		def.Workflows[i].SourceFile = path
	}
	return def, nil
}

// Parse decodes definition YAML from memory.
func (l *Loader) Parse(data []byte) (model.DefinitionFile, error) {
	var def model.DefinitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.DefinitionFile{}, err
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	def.Checksum = checksum
	for i := range def.Workflows {
		def.Workflows[i].Checksum = checksum
	}
	return def, nil
}
