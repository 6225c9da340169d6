// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk policy document.
//
//	apiVersion: axonflow.io/v1
//	kind: RoutingPolicy
//	metadata:
//	  app: support-bot
//	  version: "3"
//	spec:
//	  rules: ...
type PolicyFile struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		App     string `yaml:"app"`
		Version string `yaml:"version"`
	} `yaml:"metadata"`
	Spec Policy `yaml:"spec"`
}

// ParsePolicyFile decodes one policy document. Validation against the
// catalog happens in PolicyStore.Save, not here.
func ParsePolicyFile(data []byte) (*Policy, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if file.Kind != "RoutingPolicy" {
		return nil, fmt.Errorf("unexpected kind %q, want RoutingPolicy", file.Kind)
	}
	if file.Metadata.App == "" {
		return nil, fmt.Errorf("metadata.app is required")
	}
	if file.Metadata.Version == "" {
		return nil, fmt.Errorf("metadata.version is required")
	}

	p := file.Spec
	p.AppID = file.Metadata.App
	p.Version = file.Metadata.Version
	return &p, nil
}

// LoadPolicyDir seeds the store from every .yaml/.yml file in dir,
// sorted by name so load order is stable. Returns the number of
// policies loaded. Files that fail to parse or validate abort the load;
// a partially applied policy directory is worse than a loud startup
// failure.
func (s *PolicyStore) LoadPolicyDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read policy dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	snap := s.registry.Snapshot()
	loaded := 0
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("failed to read %s: %w", name, err)
		}
		p, err := ParsePolicyFile(data)
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", name, err)
		}
		if err := ValidatePolicy(p, snap); err != nil {
			return loaded, fmt.Errorf("%s: %w", name, err)
		}
		s.put(p)
		loaded++
	}

	if loaded > 0 {
		s.logger.Printf("Loaded %d policies from %s", loaded, dir)
	}
	return loaded, nil
}
