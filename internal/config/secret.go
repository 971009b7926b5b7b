package config

// Secret is a string that redacts itself when printed or marshaled, so
// terminal passwords passed through configuration and logs can never leak
// via %v formatting or a serialized struct dump.
type Secret string

// Reveal returns the underlying secret value. Call sites are easy to audit.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString redacts %#v output as well.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"[REDACTED]"`
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}
