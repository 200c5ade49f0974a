package manager

import (
	"os"
	"sync"

	"github.com/BurntSushi/toml"
)

// cacheData is the on-disk shape of the persisted manager state.
type cacheData struct {
	SelectedConnectionId uint64 `toml:"selected_connection_id"`
}

// Cache is the manager's small TOML-backed cache file, loaded at
// startup and rewritten whenever the selected connection changes.
type Cache struct {
	path string
	mu   sync.Mutex
	data cacheData
}

// LoadCache reads path if it exists, or starts from a zero Cache
// otherwise (the file is created on first Save).
func LoadCache(path string) (*Cache, error) {
	c := &Cache{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(b, &c.data); err != nil {
		return nil, err
	}
	return c, nil
}

// SelectedConnectionId returns the last connection the client selected.
func (c *Cache) SelectedConnectionId() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.SelectedConnectionId
}

// SetSelectedConnectionId updates the in-memory cache; call Save to
// persist it.
func (c *Cache) SetSelectedConnectionId(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.SelectedConnectionId = id
}

// Save writes the cache to its configured path.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c.data)
}
