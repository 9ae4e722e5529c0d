// Package validate sanitizes and bounds-checks user input before it reaches storage.
package validate

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"todoline/internal/domain"
)

// ErrValidation matches every *Error returned by this package.
var ErrValidation = errors.New("validation failed")

const (
	MinDescriptionLength = 1
	MaxDescriptionLength = domain.MaxDescriptionLength
	MaxRetentionDays     = 3650
)

// Error names the rejected field and the constraint it broke.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

var (
	datePattern    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	userMention    = regexp.MustCompile(`<@(!?)(\d+)>`)
	roleMention    = regexp.MustCompile(`<@&(\d+)>`)
	channelMention = regexp.MustCompile(`<#(\d+)>`)
)

func isControl(r rune) bool {
	switch {
	case r <= 0x08, r == 0x0b, r == 0x0c:
		return true
	case r >= 0x0e && r <= 0x1f, r == 0x7f:
		return true
	}
	return false
}

func isZeroWidth(r rune) bool {
	switch {
	case r >= 0x200b && r <= 0x200f:
		return true
	case r >= 0x2028 && r <= 0x202f:
		return true
	case r >= 0x2060 && r <= 0x206f:
		return true
	}
	return r == 0xfeff
}

// SanitizeDescription trims s, drops control and zero-width characters,
// normalizes to NFC and defuses chat mentions.
func SanitizeDescription(s string) string {
	if s == "" {
		return ""
	}
	out := strings.Map(func(r rune) rune {
		if isControl(r) || isZeroWidth(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	out = norm.NFC.String(out)

	out = strings.ReplaceAll(out, "@everyone", "@\u200beveryone")
	out = strings.ReplaceAll(out, "@here", "@\u200bhere")
	out = userMention.ReplaceAllString(out, "<@${1} ${2}>")
	out = roleMention.ReplaceAllString(out, "<@& ${1}>")
	out = channelMention.ReplaceAllString(out, "<# ${1}>")
	return out
}

// Description sanitizes s and enforces the length bounds.
func Description(s string) (string, error) {
	clean := SanitizeDescription(s)
	if err := descriptionLength(clean); err != nil {
		return "", err
	}
	return clean, nil
}

// StoredDescription is the persistence-boundary check: trim and bounds only.
func StoredDescription(s string) (string, error) {
	clean := strings.TrimSpace(s)
	if err := descriptionLength(clean); err != nil {
		return "", err
	}
	return clean, nil
}

func descriptionLength(s string) error {
	n := utf8.RuneCountInString(s)
	if n < MinDescriptionLength {
		return invalid("description", "must be at least %d character(s)", MinDescriptionLength)
	}
	if n > MaxDescriptionLength {
		return invalid("description", "too long (%d chars), maximum is %d", n, MaxDescriptionLength)
	}
	return nil
}

func Priority(s string) (domain.Priority, error) {
	if strings.TrimSpace(s) == "" {
		return "", invalid("priority", "is required")
	}
	p, err := domain.ParsePriority(s)
	if err != nil {
		return "", invalid("priority", "%q must be A, B, or C", s)
	}
	return p, nil
}

func TaskID(id int64) (int64, error) {
	if id < 1 {
		return 0, invalid("task_id", "must be a positive integer")
	}
	return id, nil
}

// Date checks a YYYY-MM-DD string. The empty string passes through and means today.
func Date(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !datePattern.MatchString(s) {
		return "", invalid("date", "use YYYY-MM-DD (e.g. 2024-12-25)")
	}
	if _, err := time.Parse(domain.DateLayout, s); err != nil {
		return "", invalid("date", "%s is not a valid calendar date", s)
	}
	return s, nil
}

func RetentionDays(days int) (int, error) {
	if days < 0 {
		return 0, invalid("retention_days", "cannot be negative")
	}
	if days > MaxRetentionDays {
		return 0, invalid("retention_days", "cannot exceed %d", MaxRetentionDays)
	}
	return days, nil
}

func RolloverHour(hour int) (int, error) {
	if hour < 0 || hour > 23 {
		return 0, invalid("rollover_hour_utc", "must be between 0 and 23")
	}
	return hour, nil
}

// CallbackURL accepts an http or https URL whose host is in allowed. An entry
// matches either the bare hostname or host:port. No entries rejects every URL.
func CallbackURL(raw string, allowed []string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", invalid("callback_url", "must be an absolute http or https URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalid("callback_url", "scheme %q is not http or https", u.Scheme)
	}
	if u.User != nil {
		return "", invalid("callback_url", "must not carry credentials")
	}
	for _, host := range allowed {
		host = strings.TrimSpace(host)
		if strings.EqualFold(host, u.Host) || strings.EqualFold(host, u.Hostname()) {
			return u.String(), nil
		}
	}
	return "", invalid("callback_url", "host %s is not an allowed callback host", u.Hostname())
}
