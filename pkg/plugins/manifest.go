package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Manifest file names, in lookup order. The package descriptor is the fallback.
const (
	ManifestFile          = "plugin.yaml"
	ManifestFileAlt       = "plugin.yml"
	PackageDescriptorFile = "package.json"
)

// Manifest describes plugin metadata
type Manifest struct {
	ID             string            `yaml:"id" json:"id,omitempty"`
	Name           string            `yaml:"name" json:"name,omitempty"`
	Version        string            `yaml:"version" json:"version,omitempty"`
	Description    string            `yaml:"description" json:"description,omitempty"`
	Author         string            `yaml:"author" json:"author,omitempty"`
	Entry          string            `yaml:"entry" json:"main,omitempty"`
	MinCoreVersion string            `yaml:"min_core_version" json:"minCoreVersion,omitempty"`
	MaxCoreVersion string            `yaml:"max_core_version" json:"maxCoreVersion,omitempty"`
	Dependencies   Dependencies      `yaml:"dependencies" json:"dependencies,omitempty"`
	Permissions    []string          `yaml:"permissions" json:"permissions,omitempty"`
	Metadata       map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}

// Dependencies is a list of plugin ids. In a package descriptor it may also be
// written as an object whose keys are the ids.
type Dependencies []string

// UnmarshalJSON accepts ["a","b"] or {"a":"^1.0.0","b":"*"}
func (d *Dependencies) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*d = list
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("dependencies must be a list or an object: %w", err)
	}
	ids := make([]string, 0, len(obj))
	for id := range obj {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	*d = ids
	return nil
}

// ErrNoManifest is returned when a directory has neither a manifest nor a package descriptor
var ErrNoManifest = errors.New("no plugin manifest found")

// LoadManifest loads and parses a plugin manifest from a file.
// Files ending in .json are parsed as package descriptors.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &manifest)
	} else {
		err = yaml.Unmarshal(data, &manifest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &manifest, nil
}

// LoadManifestFromDir loads the manifest of a plugin directory, falling back
// to the package descriptor when no dedicated manifest exists.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	path, err := ManifestPath(dir)
	if err != nil {
		return nil, err
	}
	return LoadManifest(path)
}

// ManifestPath returns the manifest file LoadManifestFromDir would read
func ManifestPath(dir string) (string, error) {
	for _, name := range []string{ManifestFile, ManifestFileAlt, PackageDescriptorFile} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoManifest, dir)
}

// ValidationError represents a manifest validation finding
type ValidationError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Severity)
}

// ValidateManifest reports manifest problems. Only findings with severity
// "error" make a manifest unusable; version format problems are warnings because
// core ranges are parsed permissively.
func ValidateManifest(manifest *Manifest) []ValidationError {
	var errs []ValidationError

	if manifest.ID == "" && manifest.Name == "" {
		errs = append(errs, ValidationError{
			Field:    "id",
			Message:  "Plugin ID or name is required",
			Severity: "error",
		})
	}

	if manifest.Version != "" && !isValidSemver(manifest.Version) {
		errs = append(errs, ValidationError{
			Field:    "version",
			Message:  fmt.Sprintf("Invalid semver format: %s", manifest.Version),
			Severity: "warning",
		})
	}

	for field, expr := range map[string]string{
		"min_core_version": manifest.MinCoreVersion,
		"max_core_version": manifest.MaxCoreVersion,
	} {
		if expr == "" {
			continue
		}
		if !isValidSemver(strings.TrimLeft(expr, "^<>= ")) {
			errs = append(errs, ValidationError{
				Field:    field,
				Message:  fmt.Sprintf("Range %q does not name a full semver version", expr),
				Severity: "warning",
			})
		}
	}

	for _, dep := range manifest.Dependencies {
		if strings.TrimSpace(dep) == "" {
			errs = append(errs, ValidationError{
				Field:    "dependencies",
				Message:  "Dependency id must not be empty",
				Severity: "error",
			})
		}
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// HasErrors reports whether any finding has severity "error"
func HasErrors(findings []ValidationError) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return true
		}
	}
	return false
}

// isValidSemver checks if a version string follows semantic versioning
func isValidSemver(version string) bool {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return semver.IsValid(version) && semver.Canonical(version) == strings.SplitN(version, "+", 2)[0]
}
