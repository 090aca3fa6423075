package types

import "time"

// Setting names exposed by the upstream settings endpoint.
const (
	SettingTimezone = "TimeZoneIANA"
	SettingCurrency = "Currency"
)

// DefaultCurrency is used when the upstream settings carry no currency.
const DefaultCurrency = "NOK"

// SettingsProvider supplies upstream-managed settings such as timezone and
// currency. Implementations return "" for unset names.
type SettingsProvider interface {
	GetSetting(name string) string
}

// LocationFor resolves the configured IANA timezone, falling back to UTC
// when unset or invalid.
func LocationFor(s SettingsProvider) *time.Location {
	if s == nil {
		return time.UTC
	}
	name := s.GetSetting(SettingTimezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CurrencyFor resolves the configured currency code.
func CurrencyFor(s SettingsProvider) string {
	if s == nil {
		return DefaultCurrency
	}
	if c := s.GetSetting(SettingCurrency); c != "" {
		return c
	}
	return DefaultCurrency
}

// StaticSettings is a fixed SettingsProvider, used in tests and as a
// fallback before the upstream settings have loaded.
type StaticSettings map[string]string

func (s StaticSettings) GetSetting(name string) string {
	return s[name]
}
