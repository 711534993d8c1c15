package types

import "log/slog"

const redactedPlaceholder = "[redacted]"

// SecretString holds a credential loaded from the environment or SSM, such as
// the panel API key or the database URL. It prints and marshals as a
// placeholder so config dumps and structured logs never carry the value.
type SecretString string

// String redacts the value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// LogValue keeps the secret out of slog output when a config struct is
// logged as an attribute.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// MarshalJSON redacts the value.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// Unmask returns the raw value. Call it only at the point the secret is handed
// to a driver or written into an Authorization header.
func (s SecretString) Unmask() string {
	return string(s)
}

// Empty reports whether no secret was configured.
func (s SecretString) Empty() bool {
	return s == ""
}
