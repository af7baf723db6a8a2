package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
)

const (
	relayStateFile = "last_msg.json"
	imageFile      = "graph.png"
)

// FileStore keeps histories, relay state and the chart image as files in one directory.
// Every write goes to a temporary file that is renamed into place.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "temp"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the storage directory.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) historyPath(namespace string) string {
	if namespace == "" {
		namespace = "default"
	}
	return filepath.Join(f.dir, namespace+"_tickers.json")
}

// LoadHistories implements history.Persister.
func (f *FileStore) LoadHistories(ctx context.Context, namespace string) (map[string][]decimal.Decimal, error) {
	raw, err := f.read(f.historyPath(namespace))
	if errors.Is(err, ErrNotFound) {
		return map[string][]decimal.Decimal{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string][]decimal.Decimal)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s histories: %w", namespace, err)
	}
	return out, nil
}

// SaveHistories implements history.Persister. Prices are written as JSON numbers.
func (f *FileStore) SaveHistories(ctx context.Context, namespace string, snapshot map[string][]decimal.Decimal) error {
	doc := make(map[string][]json.Number, len(snapshot))
	for instrument, prices := range snapshot {
		nums := make([]json.Number, len(prices))
		for i, p := range prices {
			nums[i] = json.Number(p.String())
		}
		doc[instrument] = nums
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s histories: %w", namespace, err)
	}
	return f.write(f.historyPath(namespace), raw)
}

// LoadRelayState implements RelayStore.
func (f *FileStore) LoadRelayState(ctx context.Context) (RelayState, error) {
	raw, err := f.read(filepath.Join(f.dir, relayStateFile))
	if err != nil {
		return RelayState{}, err
	}
	var state RelayState
	if err := json.Unmarshal(raw, &state); err != nil {
		return RelayState{}, fmt.Errorf("decode relay state: %w", err)
	}
	return state, nil
}

// SaveRelayState implements RelayStore.
func (f *FileStore) SaveRelayState(ctx context.Context, state RelayState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode relay state: %w", err)
	}
	return f.write(filepath.Join(f.dir, relayStateFile), raw)
}

// LoadImage implements RelayStore.
func (f *FileStore) LoadImage(ctx context.Context) ([]byte, error) {
	return f.read(filepath.Join(f.dir, imageFile))
}

// SaveImage implements RelayStore.
func (f *FileStore) SaveImage(ctx context.Context, image []byte) error {
	return f.write(filepath.Join(f.dir, imageFile), image)
}

// Close implements Backend.
func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) read(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return raw, nil
}

func (f *FileStore) write(path string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

var _ Backend = (*FileStore)(nil)
