package pools

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"mos/storaged/internal/fsatomic"
)

// registrySchema guards against loading a corrupted or foreign document as
// the pool registry. Unknown extra fields are allowed; shape violations on
// the fields the engine relies on are not.
const registrySchema = `{
  "type": "object",
  "required": ["pools"],
  "properties": {
    "version": {"type": "integer"},
    "pools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "type", "data_devices"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["btrfs", "xfs", "ext4", "mergerfs"]},
          "automount": {"type": "boolean"},
          "data_devices": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["slot", "device"],
              "properties": {
                "slot": {"type": "integer", "minimum": 1},
                "device": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`

// Store owns the registry file. All mutation goes through Update, which
// holds an advisory flock around read-modify-write-atomic-replace, so a
// crash mid-write can never corrupt the registry and collaborators (the
// share manager writes path_rules) share the same contract.
type Store struct {
	path   string
	schema *gojsonschema.Schema

	mu        sync.Mutex
	poolLocks map[string]*sync.Mutex
}

func NewStore(path string) (*Store, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(registrySchema))
	if err != nil {
		return nil, err
	}
	return &Store{path: path, schema: schema, poolLocks: map[string]*sync.Mutex{}}, nil
}

func (s *Store) Path() string { return s.path }

// Load reads and validates the registry. A missing file is an empty
// registry.
func (s *Store) Load() (Registry, error) {
	reg := Registry{Version: 1}
	raw, exists, err := fsatomic.ReadFile(s.path)
	if err != nil {
		return reg, err
	}
	if !exists || len(raw) == 0 {
		return reg, nil
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return reg, fmt.Errorf("registry validation: %w", err)
	}
	if !result.Valid() {
		return reg, fmt.Errorf("registry file is malformed: %s", result.Errors()[0].String())
	}
	if _, err := fsatomic.LoadJSON(s.path, &reg); err != nil {
		return reg, err
	}
	if reg.Version == 0 {
		reg.Version = 1
	}
	return reg, nil
}

func (s *Store) Save(reg Registry) error {
	// A nil slice marshals as null, which the load-time schema rejects.
	if reg.Pools == nil {
		reg.Pools = []Record{}
	}
	return fsatomic.SaveJSON(s.path, reg, 0o600)
}

// Update runs fn under the registry flock with a freshly loaded copy and
// persists the result atomically. fn returning an error aborts the save.
func (s *Store) Update(fn func(*Registry) error) error {
	return fsatomic.WithLock(s.path, func() error {
		fsatomic.RemoveStaleTemps(s.path)
		reg, err := s.Load()
		if err != nil {
			return err
		}
		if err := fn(&reg); err != nil {
			return err
		}
		return s.Save(reg)
	})
}

// LockPool acquires the per-pool exclusive section. Mutating operations on
// the same pool serialize here; different pools proceed in parallel.
func (s *Store) LockPool(id string) func() {
	s.mu.Lock()
	l, ok := s.poolLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.poolLocks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ByID returns the record with the given id.
func (r *Registry) ByID(id string) (*Record, bool) {
	for i := range r.Pools {
		if r.Pools[i].ID == id {
			return &r.Pools[i], true
		}
	}
	return nil, false
}

// ByName returns the record with the given name.
func (r *Registry) ByName(name string) (*Record, bool) {
	for i := range r.Pools {
		if r.Pools[i].Name == name {
			return &r.Pools[i], true
		}
	}
	return nil, false
}

// DeviceOwner returns the pool owning device, data or parity, if any.
func (r *Registry) DeviceOwner(device string) (*Record, bool) {
	for i := range r.Pools {
		for _, d := range r.Pools[i].AllDevices() {
			if d == device {
				return &r.Pools[i], true
			}
		}
	}
	return nil, false
}

// Drop removes the record with the given id.
func (r *Registry) Drop(id string) bool {
	for i := range r.Pools {
		if r.Pools[i].ID == id {
			r.Pools = append(r.Pools[:i], r.Pools[i+1:]...)
			return true
		}
	}
	return false
}
