package nn

import (
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/security"
)

// StateDict maps parameter names to values.
type StateDict map[string][]float64

// bookkeepingSuffixes mark entries injected by profilers, not parameters.
var bookkeepingSuffixes = []string{"total_ops", "total_params"}

// Snapshot deep-copies the parameters of m.
func Snapshot(m Model) StateDict {
	sd := make(StateDict)
	for _, p := range m.Params() {
		sd[p.Name] = append([]float64(nil), p.Value...)
	}
	return sd
}

// Filtered returns sd without bookkeeping entries.
func (sd StateDict) Filtered() StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		skip := false
		for _, s := range bookkeepingSuffixes {
			if strings.HasSuffix(k, s) {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}

// Keys returns the sorted entry names.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load copies sd into the parameters of m. Bookkeeping entries are ignored.
// With strict, every parameter must be present and no unknown entry may
// remain; otherwise absent parameters keep their current values.
func Load(m Model, sd StateDict, strict bool) error {
	sd = sd.Filtered()
	used := 0
	for _, p := range m.Params() {
		v, ok := sd[p.Name]
		if !ok {
			if strict {
				return fmt.Errorf("state dict missing %s", p.Name)
			}
			continue
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("state dict %s has %d values, model has %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
		used++
	}
	if strict && used != len(sd) {
		return fmt.Errorf("state dict has %d entries not in model %s", len(sd)-used, m.Name())
	}
	return nil
}

// CheckpointPath returns <dir>/best_model_<tag>.ckpt with tag sanitized.
func CheckpointPath(dir, tag string) string {
	return filepath.Join(dir, "best_model_"+security.SanitizeFilename(tag)+".ckpt")
}

// SaveCheckpoint writes the parameters of m (gob-encoded) to path,
// overwriting any previous checkpoint.
func SaveCheckpoint(fsys fsutil.FileSystem, path string, m Model) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(Snapshot(m)); err != nil {
		f.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return f.Close()
}

// ReadCheckpoint decodes a checkpoint file without loading it.
func ReadCheckpoint(fsys fsutil.FileSystem, path string) (StateDict, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	var sd StateDict
	if err := gob.NewDecoder(f).Decode(&sd); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return sd, nil
}

// LoadCheckpoint reads path into m, non-strictly.
func LoadCheckpoint(fsys fsutil.FileSystem, path string, m Model) error {
	sd, err := ReadCheckpoint(fsys, path)
	if err != nil {
		return err
	}
	return Load(m, sd, false)
}
