// Package ledger holds the engine's only durable state: the replay ledger of
// consumed (card, nonce) pairs and the revocation registry of blocked UIDs.
// Both are small JSON files shared between processes; every check-and-mutate
// runs under an exclusive file lock so two settlers on the same ledger cannot
// both consume one nonce.
package ledger

import (
	"encoding/json"
	"errors"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"

	"github.com/emcash/cardpay/types"
)

// ErrAlreadyUsed reports that a (card, nonce) pair is already consumed.
var ErrAlreadyUsed = errors.New("nonce already used")

// ReplayLedger gates settlement against double-spend of one intent. MarkUsed
// is atomic with respect to the check: of two concurrent attempts for the
// same key, exactly one succeeds.
type ReplayLedger interface {
	HasBeenUsed(card common.Address, nonce *big.Int) (bool, error)
	MarkUsed(card common.Address, nonce *big.Int) error
}

// ReplayKey is the persisted form of a consumed pair: lowercase card address,
// colon, base-10 nonce. Nonces are only unique per card.
func ReplayKey(card common.Address, nonce *big.Int) string {
	return strings.ToLower(card.Hex()) + ":" + nonce.String()
}

type persistedReplayState struct {
	Used []string `json:"used"`
}

// FileReplayLedger stores consumed keys in a JSON file, guarded by an
// advisory lock file so the check-then-mark pair stays atomic even when
// several processes share the ledger.
type FileReplayLedger struct {
	path string
	mu   sync.Mutex
	fl   *flock.Flock
}

func NewFileReplayLedger(path string) *FileReplayLedger {
	return &FileReplayLedger{
		path: path,
		fl:   flock.New(path + ".lock"),
	}
}

func (l *FileReplayLedger) HasBeenUsed(card common.Address, nonce *big.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fl.RLock(); err != nil {
		return false, storageErr("replay ledger lock failed", err)
	}
	defer l.fl.Unlock()

	used, err := l.load()
	if err != nil {
		return false, err
	}
	_, ok := used[ReplayKey(card, nonce)]
	return ok, nil
}

// MarkUsed consumes a (card, nonce) pair. It re-reads the file under the
// exclusive lock, so a key marked by another process since the caller's
// HasBeenUsed check still fails with ErrAlreadyUsed.
func (l *FileReplayLedger) MarkUsed(card common.Address, nonce *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fl.Lock(); err != nil {
		return storageErr("replay ledger lock failed", err)
	}
	defer l.fl.Unlock()

	used, err := l.load()
	if err != nil {
		return err
	}

	key := ReplayKey(card, nonce)
	if _, ok := used[key]; ok {
		return ErrAlreadyUsed
	}
	used[key] = struct{}{}
	return l.save(used)
}

// load reads the persisted set. A missing file is an empty ledger; a file
// that exists but does not parse is a storage error, never treated as "not
// replayed".
func (l *FileReplayLedger) load() (map[string]struct{}, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]struct{}{}, nil
		}
		return nil, storageErr("replay ledger read failed", err)
	}

	var state persistedReplayState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, storageErr("replay ledger is corrupt", err)
	}

	used := make(map[string]struct{}, len(state.Used))
	for _, k := range state.Used {
		used[strings.ToLower(k)] = struct{}{}
	}
	return used, nil
}

func (l *FileReplayLedger) save(used map[string]struct{}) error {
	keys := make([]string, 0, len(used))
	for k := range used {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload, err := json.MarshalIndent(persistedReplayState{Used: keys}, "", "  ")
	if err != nil {
		return storageErr("replay ledger encode failed", err)
	}
	return writeFileAtomic(l.path, payload)
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a half-written ledger behind.
func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return storageErr("ledger directory create failed", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return storageErr("ledger temp file create failed", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(name)
		return storageErr("ledger write failed", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return storageErr("ledger write failed", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return storageErr("ledger rename failed", err)
	}
	return nil
}

func storageErr(msg string, cause error) error {
	return &types.Error{Code: types.ErrStorageError, Message: msg, Cause: cause}
}
