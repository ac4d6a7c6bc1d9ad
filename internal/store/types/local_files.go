package types

// LocalFile is an archive known to exist on this host, indexed by the xxh3
// hash of its path.
type LocalFile struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Manifest  string `json:"-"`
	CreatedAt int64  `json:"created_at"`
}
