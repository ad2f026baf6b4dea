package agentstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/castellan-ai/castellan/internal/secrets"
)

// Persister reads and writes the sealed registry document. Writes go to
// a temporary file first and rename into place, so a crash mid-write
// never corrupts the previous document.
type Persister struct {
	path string
	box  *secrets.Box
}

// NewPersister creates a Persister for the registry document at path.
func NewPersister(path string, box *secrets.Box) *Persister {
	return &Persister{path: path, box: box}
}

func (p *Persister) load() (*Registry, error) {
	sealed, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newRegistry(), nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	data, err := p.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt registry: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if reg.Agents == nil {
		reg.Agents = make(map[string]Agent)
	}
	return &reg, nil
}

func (p *Persister) store(reg *Registry) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	sealed, err := p.box.Seal(data)
	if err != nil {
		return fmt.Errorf("encrypt registry: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
