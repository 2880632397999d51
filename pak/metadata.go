package pak

// keys of values stored in the header record of every entry
const (
	// MetaKeyPath is the slash-separated name of the entry. Mandatory
	MetaKeyPath = "Path"
	// MetaKeySize is the size of the data in bytes. Mandatory
	MetaKeySize = "Size"
	// MetaKeyDigest is hex-encoded blake3 of the data. Mandatory
	MetaKeyDigest = "Blake3"
	// MetaKeyContentType is optional, set by compress from the file name
	MetaKeyContentType = "Content-Type"
)

// KV is a single header value
type KV struct {
	Key   string
	Value string
}

// Metadata are header values of an entry, in the order they're written
type Metadata struct {
	Meta []KV
}

func (m *Metadata) Get(key string) (string, bool) {
	for _, kv := range m.Meta {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces the value of key or appends it. Returns true if appended
func (m *Metadata) Set(key, val string) bool {
	for i := range m.Meta {
		if m.Meta[i].Key == key {
			m.Meta[i].Value = val
			return false
		}
	}
	m.Meta = append(m.Meta, KV{key, val})
	return true
}

// ContentType returns MetaKeyContentType value or "" if not set
func (m *Metadata) ContentType() string {
	v, _ := m.Get(MetaKeyContentType)
	return v
}
