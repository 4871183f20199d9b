package util

import (
	"regexp"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	deviceIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidDeviceID accepts the opaque installation ids extensions generate.
func IsValidDeviceID(s string) bool {
	return deviceIDRegex.MatchString(s)
}
