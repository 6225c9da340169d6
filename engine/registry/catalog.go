// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the declarative model catalog following the
// Kubernetes-style apiVersion/kind pattern used across the platform.
type CatalogFile struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   CatalogMetadata `yaml:"metadata"`
	Spec       CatalogSpec     `yaml:"spec"`
}

// CatalogMetadata identifies the catalog document.
type CatalogMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// CatalogSpec lists the model entries.
type CatalogSpec struct {
	Models []ModelDescriptor `yaml:"models"`
}

const catalogKind = "ModelCatalog"

// ParseCatalog parses and validates a catalog document.
func ParseCatalog(data []byte) (*CatalogFile, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	if file.Kind != catalogKind {
		return nil, fmt.Errorf("unexpected kind %q (want %s)", file.Kind, catalogKind)
	}
	if len(file.Spec.Models) == 0 {
		return nil, fmt.Errorf("catalog %q defines no models", file.Metadata.Name)
	}

	seen := make(map[string]bool, len(file.Spec.Models))
	for i, m := range file.Spec.Models {
		if m.Provider == "" || m.Model == "" {
			return nil, fmt.Errorf("catalog entry %d: provider and model are required", i)
		}
		if m.Compliance == "" {
			// Entries without an explicit tag are treated as external; the
			// compliance filter must never widen on a missing tag.
			file.Spec.Models[i].Compliance = ComplianceExternal
		} else if m.Compliance != ComplianceInternal && m.Compliance != ComplianceExternal {
			return nil, fmt.Errorf("catalog entry %s: unknown compliance tag %q", m.Ref(), m.Compliance)
		}
		if seen[m.Ref()] {
			return nil, fmt.Errorf("catalog entry %s: duplicate reference", m.Ref())
		}
		seen[m.Ref()] = true
	}

	return &file, nil
}

// LoadCatalogFile reads a catalog document from disk and merges its entries
// into the registry.
func (r *Registry) LoadCatalogFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog file: %w", err)
	}

	file, err := ParseCatalog(data)
	if err != nil {
		return 0, err
	}

	for _, m := range file.Spec.Models {
		if err := r.Upsert(m); err != nil {
			return 0, err
		}
	}

	r.logger.Printf("Loaded catalog %q: %d models", file.Metadata.Name, len(file.Spec.Models))
	return len(file.Spec.Models), nil
}
