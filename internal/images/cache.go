package images

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/storage"
)

// Cache holds normalized copies at {root}/{product}/{role}/{role}_{index}.jpg.
// A .src sidecar records the source URL so a changed image at the same
// position is not served from a stale copy.
type Cache struct {
	root string
}

func NewCache(root string) *Cache {
	return &Cache{root: root}
}

func (c *Cache) Path(productID string, role models.ImageRole, index int) string {
	return filepath.Join(c.root, productID, string(role), fmt.Sprintf("%s_%d.jpg", role, index))
}

// Load returns the cached normalized bytes for sourceURL, if any.
func (c *Cache) Load(productID string, ref models.ImageRef) ([]byte, bool) {
	path := c.Path(productID, ref.Role, ref.Index)

	src, err := os.ReadFile(path + ".src")
	if err != nil || strings.TrimSpace(string(src)) != ref.SourceURL {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (c *Cache) Store(productID string, ref models.ImageRef, data []byte) error {
	path := c.Path(productID, ref.Role, ref.Index)

	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	return storage.WriteFileAtomic(path+".src", []byte(ref.SourceURL+"\n"), 0o644)
}

// Remove deletes every cached image of a product.
func (c *Cache) Remove(productID string) error {
	if productID == "" || strings.ContainsAny(productID, `/\`) {
		return fmt.Errorf("invalid product id %q", productID)
	}
	err := os.RemoveAll(filepath.Join(c.root, productID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
