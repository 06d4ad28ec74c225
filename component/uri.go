package component

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
)

// URI is a parsed endpoint address of the form scheme:path?k=v or
// scheme://path?k=v.
type URI struct {
	Raw    string
	Scheme string
	Path   string
	Params url.Values
}

// ParseURI parses raw into a URI.
func ParseURI(raw string) (URI, error) {
	trimmed := strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(trimmed, ":")
	if !ok || scheme == "" {
		return URI{}, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: raw, Err: fmt.Errorf("missing scheme")}
	}
	rest = strings.TrimPrefix(rest, "//")

	path, query, _ := strings.Cut(rest, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: raw, Err: err}
	}
	return URI{
		Raw:    trimmed,
		Scheme: strings.ToLower(scheme),
		Path:   path,
		Params: params,
	}, nil
}

// MustParseURI panics on malformed input. Intended for tests and constants.
func MustParseURI(raw string) URI {
	u, err := ParseURI(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Key returns scheme://path followed by the parameters sorted by name, so
// equivalent spellings of an address map to the same key.
func (u URI) Key() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Path)
	if len(u.Params) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(u.Params))
	for name := range u.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteByte('?')
	for i, name := range names {
		values := append([]string(nil), u.Params[name]...)
		sort.Strings(values)
		for j, v := range values {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func (u URI) String() string { return u.Raw }

// Param returns the named parameter or fallback.
func (u URI) Param(name, fallback string) string {
	if v := u.Params.Get(name); v != "" {
		return v
	}
	return fallback
}

// IntParam parses the named parameter as an int.
func (u URI) IntParam(name string, fallback int) (int, error) {
	v := u.Params.Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: parameter %q: %w", u.Raw, name, err)
	}
	return n, nil
}

// BoolParam parses the named parameter as a bool.
func (u URI) BoolParam(name string, fallback bool) (bool, error) {
	v := u.Params.Get(name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: parameter %q: %w", u.Raw, name, err)
	}
	return b, nil
}

// DurationParam parses the named parameter as a Go duration. Bare integers
// are read as milliseconds.
func (u URI) DurationParam(name string, fallback time.Duration) (time.Duration, error) {
	v := u.Params.Get(name)
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: parameter %q: %w", u.Raw, name, err)
	}
	return d, nil
}
