package validation

import (
	"errors"
	"strings"
)

// ErrTankIDEmpty is returned when a tank id is empty or whitespace-only after trim.
var ErrTankIDEmpty = errors.New("tank id is required")

// ErrTankIDTooLong is returned when a tank id exceeds MaxTankIDLength.
var ErrTankIDTooLong = errors.New("tank id too long")

// ErrTankIDInvalidChars is returned when a tank id contains disallowed characters.
var ErrTankIDInvalidChars = errors.New("tank id contains invalid characters")

// ErrFieldOutOfRange is returned for ThingSpeak field numbers outside 1..8.
var ErrFieldOutOfRange = errors.New("field must be between 1 and 8")

// ErrChannelID is returned for non-positive channel ids.
var ErrChannelID = errors.New("channel id must be positive")

// MaxTankIDLength bounds ids used in URLs, metric labels and MQTT topics.
const MaxTankIDLength = 64

// ValidateTankID trims the input and restricts it to lowercase ASCII letters,
// digits, hyphen and underscore so it is safe in URLs, label values and topics.
func ValidateTankID(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrTankIDEmpty
	}
	if len(s) > MaxTankIDLength {
		return "", ErrTankIDTooLong
	}
	for _, c := range s {
		if !isAllowedTankRune(c) {
			return "", ErrTankIDInvalidChars
		}
	}
	return s, nil
}

// ValidateSource checks a ThingSpeak channel id and field number.
func ValidateSource(channelID int64, field int) error {
	if channelID <= 0 {
		return ErrChannelID
	}
	if field < 1 || field > 8 {
		return ErrFieldOutOfRange
	}
	return nil
}

func isAllowedTankRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_':
		return true
	}
	return false
}
