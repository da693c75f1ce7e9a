package config

const redacted = "[REDACTED]"

// Secret holds a credential that must never leak through logging or
// serialization. Every formatting path prints a placeholder; only
// Reveal returns the raw value, and only the signing and send paths
// call it.
type Secret string

// IsSet reports whether a value is present without exposing it.
func (s Secret) IsSet() bool {
	return s != ""
}

// Reveal returns the raw value.
func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString covers the %#v verb, which bypasses String.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}
