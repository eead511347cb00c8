package backend

import (
	lru "github.com/hashicorp/golang-lru"
)

// listing maps the entry names of one remote directory to whether they are
// directories.
type listing map[string]bool

// dirCache remembers directory listings for one remote connection. It is
// never shared: listings seen through one connection say nothing reliable
// about what another connection has changed since.
type dirCache struct {
	c *lru.Cache // dir -> listing
}

func newDirCache(size int) *dirCache {
	if size < 1 {
		size = 1
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New fails only for a non-positive size.
		panic(err)
	}
	return &dirCache{c: c}
}

func (d *dirCache) get(dir string) (listing, bool) {
	v, ok := d.c.Get(dir)
	if !ok {
		return nil, false
	}
	return v.(listing), true
}

func (d *dirCache) put(dir string, l listing) {
	d.c.Add(dir, l)
}

func (d *dirCache) invalidate(dirs ...string) {
	for _, dir := range dirs {
		d.c.Remove(dir)
	}
}

// purge drops everything, e.g. after a reconnect or a recursive delete.
func (d *dirCache) purge() {
	d.c.Purge()
}

func (d *dirCache) len() int {
	return d.c.Len()
}
