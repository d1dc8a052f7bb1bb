package models

import (
	"regexp"

	"github.com/go-playground/validator"
)

// Platform is the client platform an account or push token belongs to. It is
// part of push routing: iOS tokens go through APNs directly, the rest through
// FCM.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

var platformPattern = regexp.MustCompile(`^(ios|android|web)$`)

func (p *Platform) Scan(value interface{}) error {
	*p = Platform(value.(string))
	return nil
}

func (p Platform) Value() string {
	return string(p)
}

func ScanPlatform(value string) Platform {
	return Platform(value)
}

// ValidatePlatform backs the "platform" tag on request structs.
func ValidatePlatform(fl validator.FieldLevel) bool {
	return platformPattern.MatchString(fl.Field().String())
}

func ValidatePlatformRaw(value string) bool {
	return platformPattern.MatchString(value)
}
