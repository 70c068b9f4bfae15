package ledger

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// RevocationRegistry is the administrative blocklist of UIDs. Presence blocks
// all use of a UID — revocation overrides a cryptographically valid intent.
type RevocationRegistry interface {
	IsRevoked(uid string) (bool, error)
	Revoke(uid string) error
	Unrevoke(uid string) error
	List() ([]string, error)
}

type persistedRevocationState struct {
	Revoked []string `json:"revoked"`
}

// FileRevocationRegistry persists revoked UIDs (uppercase) in a JSON file
// with the same locking discipline as the replay ledger.
type FileRevocationRegistry struct {
	path string
	mu   sync.Mutex
	fl   *flock.Flock
}

func NewFileRevocationRegistry(path string) *FileRevocationRegistry {
	return &FileRevocationRegistry{
		path: path,
		fl:   flock.New(path + ".lock"),
	}
}

func (r *FileRevocationRegistry) IsRevoked(uid string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fl.RLock(); err != nil {
		return false, storageErr("revocation registry lock failed", err)
	}
	defer r.fl.Unlock()

	set, err := r.load()
	if err != nil {
		return false, err
	}
	_, ok := set[normalizeUID(uid)]
	return ok, nil
}

// Revoke adds a UID to the registry. Idempotent.
func (r *FileRevocationRegistry) Revoke(uid string) error {
	return r.mutate(func(set map[string]struct{}) {
		set[normalizeUID(uid)] = struct{}{}
	})
}

// Unrevoke removes a UID from the registry. Idempotent.
func (r *FileRevocationRegistry) Unrevoke(uid string) error {
	return r.mutate(func(set map[string]struct{}) {
		delete(set, normalizeUID(uid))
	})
}

func (r *FileRevocationRegistry) List() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fl.RLock(); err != nil {
		return nil, storageErr("revocation registry lock failed", err)
	}
	defer r.fl.Unlock()

	set, err := r.load()
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids, nil
}

func (r *FileRevocationRegistry) mutate(apply func(map[string]struct{})) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fl.Lock(); err != nil {
		return storageErr("revocation registry lock failed", err)
	}
	defer r.fl.Unlock()

	set, err := r.load()
	if err != nil {
		return err
	}
	apply(set)
	return r.save(set)
}

func (r *FileRevocationRegistry) load() (map[string]struct{}, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]struct{}{}, nil
		}
		return nil, storageErr("revocation registry read failed", err)
	}

	var state persistedRevocationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, storageErr("revocation registry is corrupt", err)
	}

	set := make(map[string]struct{}, len(state.Revoked))
	for _, uid := range state.Revoked {
		set[normalizeUID(uid)] = struct{}{}
	}
	return set, nil
}

func (r *FileRevocationRegistry) save(set map[string]struct{}) error {
	uids := make([]string, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	payload, err := json.MarshalIndent(persistedRevocationState{Revoked: uids}, "", "  ")
	if err != nil {
		return storageErr("revocation registry encode failed", err)
	}
	return writeFileAtomic(r.path, payload)
}

func normalizeUID(uid string) string {
	return strings.ToUpper(strings.TrimSpace(uid))
}
