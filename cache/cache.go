package cache

import "time"

type Cache struct {
	Cache ICache
}

type ICache interface {
	Set(key string, entry []byte) error

	Get(key string) ([]byte, error)

	Delete(key string) error

	Len() int
}

func NewLocalCache(allKeysExpTime time.Duration) (*Cache, error) {
	cache, err := NewBigCache(allKeysExpTime)
	if err != nil {
		return nil, err
	}
	return &Cache{Cache: cache}, nil
}

// Seen reports whether key was marked before.
func (c *Cache) Seen(key string) bool {
	_, err := c.Cache.Get(key)
	return err == nil
}

func (c *Cache) Mark(key string) error {
	return c.Cache.Set(key, []byte{1})
}

func (c *Cache) Forget(key string) error {
	return c.Cache.Delete(key)
}
