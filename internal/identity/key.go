package identity

import "strings"

// Kind tags the source of a rate-limit identity.
type Kind string

const (
	KindIP     Kind = "ip"
	KindEmail  Kind = "email"
	KindAPIKey Kind = "api_key"
	KindCustom Kind = "custom"
)

// Key is an immutable, tagged identity used to namespace counters.
type Key struct {
	Kind Kind
	ID   string
}

func IP(id string) Key     { return Key{Kind: KindIP, ID: id} }
func Email(id string) Key  { return Key{Kind: KindEmail, ID: id} }
func APIKey(id string) Key { return Key{Kind: KindAPIKey, ID: id} }
func Custom(id string) Key { return Key{Kind: KindCustom, ID: id} }

// IsZero reports whether the key carries no identity.
func (k Key) IsZero() bool {
	return k.ID == "" && k.Kind == ""
}

// StorageKey serializes the key into its namespaced storage form.
// Adding a new identity kind means adding one constant and one case here.
func (k Key) StorageKey() string {
	switch k.Kind {
	case KindIP:
		return "ip:" + k.ID
	case KindEmail:
		return "email:" + k.ID
	case KindAPIKey:
		return "api_key:" + k.ID
	case KindCustom:
		return "custom:" + k.ID
	default:
		return "custom:" + k.ID
	}
}

// Context carries the identity together with the route it was seen on.
// Counters are scoped per identity per route, so the same client gets
// independent windows on different endpoints.
type Context struct {
	Key    Key
	Method string
	Path   string
}

// CounterKey is the full storage key for this context's counter.
func (c Context) CounterKey() string {
	var b strings.Builder
	b.WriteString(c.Key.StorageKey())
	b.WriteByte(':')
	b.WriteString(c.Method)
	b.WriteByte(':')
	b.WriteString(c.Path)
	return b.String()
}
