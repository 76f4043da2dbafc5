package convert

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// JournalName is the commit marker written inside a staging directory once
// every staged block is durable. A staging directory without it is discarded
// on recovery; one with it is rolled forward.
const JournalName = "COMMIT"

// Journal lists the filesystem changes of one commit. Applying it is
// idempotent.
type Journal struct {
	CreatedAt time.Time `msgpack:"created_at"`
	// Adds are block file names staged for promotion.
	Adds []string `msgpack:"adds"`
	// Removes are block file names replaced by this commit.
	Removes []string `msgpack:"removes"`
	// ConsumedRuns are run file paths deleted after promotion.
	ConsumedRuns []string `msgpack:"consumed_runs"`
}

func writeJournal(stagingDir string, j Journal) error {
	data, err := msgpack.Marshal(&j)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	tmp, err := os.CreateTemp(stagingDir, ".tmp-journal-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(stagingDir, JournalName))
}

// readJournal returns the journal of a staging directory, and false when the
// directory was never committed.
func readJournal(stagingDir string) (Journal, bool, error) {
	data, err := os.ReadFile(filepath.Join(stagingDir, JournalName))
	if errors.Is(err, fs.ErrNotExist) {
		return Journal{}, false, nil
	}
	if err != nil {
		return Journal{}, false, err
	}
	var j Journal
	if err := msgpack.Unmarshal(data, &j); err != nil {
		return Journal{}, false, fmt.Errorf("decode journal %s: %w", stagingDir, err)
	}
	return j, true, nil
}

// apply promotes staged blocks, removes replaced ones, deletes consumed runs
// and finally the staging directory. Every step tolerates having already run.
func (j Journal) apply(blocksDir, stagingDir string) error {
	for _, name := range j.Adds {
		src := filepath.Join(stagingDir, name)
		dst := filepath.Join(blocksDir, name)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if _, statErr := os.Stat(dst); statErr == nil {
					continue
				}
			}
			return fmt.Errorf("promote %s: %w", name, err)
		}
	}
	for _, name := range j.Removes {
		if err := os.Remove(filepath.Join(blocksDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove replaced block %s: %w", name, err)
		}
	}
	for _, path := range j.ConsumedRuns {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove consumed run %s: %w", path, err)
		}
	}
	return os.RemoveAll(stagingDir)
}
