// Package keystore resolves apikeyRef values from a tunnel definition into
// the api key itself.
package keystore

// Table looks up an api key by reference.
type Table interface {
	Lookup(ref string) (string, bool)
}

// Map is the apikeys section of the tunnels file.
type Map map[string]string

func (m Map) Lookup(ref string) (string, bool) {
	v, ok := m[ref]
	return v, ok && v != ""
}

// Chain consults each table in order and returns the first hit.
type Chain []Table

func (c Chain) Lookup(ref string) (string, bool) {
	for _, t := range c {
		if t == nil {
			continue
		}
		if v, ok := t.Lookup(ref); ok {
			return v, true
		}
	}
	return "", false
}
