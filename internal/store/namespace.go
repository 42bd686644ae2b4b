package store

import "context"

// Namespaced scopes a FlagStore to a single install so that many installs
// can share one database without their latches colliding.
type Namespaced struct {
	inner  FlagStore
	prefix string
}

// Namespace returns a view of s whose keys live under "install/<id>/".
// An empty id returns s unchanged.
func Namespace(s FlagStore, id string) FlagStore {
	if id == "" {
		return s
	}
	return &Namespaced{inner: s, prefix: InstallPrefix(id)}
}

// InstallPrefix is the raw key prefix used for an install namespace.
func InstallPrefix(id string) string {
	return "install/" + id + "/"
}

func (n *Namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key, value string) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *Namespaced) Delete(ctx context.Context, keys ...string) error {
	scoped := make([]string, len(keys))
	for i, k := range keys {
		scoped[i] = n.prefix + k
	}
	return n.inner.Delete(ctx, scoped...)
}

func (n *Namespaced) DeletePrefix(ctx context.Context, prefix string) error {
	return n.inner.DeletePrefix(ctx, n.prefix+prefix)
}
