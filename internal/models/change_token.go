package models

// ChangeToken is an opaque per-partition cursor issued by the remote store.
// A zero token means the partition has never been pulled.
type ChangeToken string

// IsZero reports whether the token marks the beginning of history.
func (t ChangeToken) IsZero() bool {
	return t == ""
}

// String returns the string representation of the token.
func (t ChangeToken) String() string {
	return string(t)
}

// Partition names a remote-store subdivision pulled independently,
// for example per-user private data versus shared public data.
type Partition string
