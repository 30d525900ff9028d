package integration

import (
	"reflect"
	"strings"
	"unicode"
)

// Compact removes nil values, empty strings, zero times and empty maps or
// slices from m, recursing into nested maps. Providers reject explicit nulls
// for fields they do not expect, so every write payload goes through here.
func Compact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			nested = Compact(nested)
			if len(nested) == 0 {
				continue
			}
			out[k] = nested
			continue
		}
		if isEmpty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case interface{ IsZero() bool }:
		return t.IsZero()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// DigitsOnly strips everything but ASCII digits from a phone number.
func DigitsOnly(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SplitName splits a display name into first and last parts. Everything after
// the first word is treated as the last name.
func SplitName(full string) (first, last string) {
	parts := strings.FieldsFunc(strings.TrimSpace(full), unicode.IsSpace)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SyntheticID derives a stable pseudo contact id under namespace for
// providers with no contact object. Email wins over phone so that the same
// caller resolves to one id whether or not they left a number.
func SyntheticID(namespace string, data ContactData) (ContactRef, error) {
	if email := NormalizeEmail(data.Email); email != "" {
		return SyntheticRef(namespace + ":email:" + email), nil
	}
	if digits := DigitsOnly(data.Phone); digits != "" {
		return SyntheticRef(namespace + ":phone:" + digits), nil
	}
	return ContactRef{}, Errorf(CodeContact, "synthetic_id", "contact has neither email nor phone")
}

// SyntheticContact describes a contact that exists only as a derived id.
func SyntheticContact(namespace string, data ContactData) (Contact, error) {
	ref, err := SyntheticID(namespace, data)
	if err != nil {
		return Contact{}, err
	}
	return Contact{Ref: ref, ContactData: data}, nil
}
