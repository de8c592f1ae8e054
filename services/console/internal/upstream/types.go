package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Record is a loosely typed upstream object. The remote schema is not pinned
// down, so readers take an ordered list of candidate keys and use the first
// one that is present.
type Record map[string]json.RawMessage

// Has reports whether any of keys is present and not null.
func (r Record) Has(keys ...string) bool {
	_, ok := r.raw(keys...)
	return ok
}

func (r Record) raw(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		v, ok := r[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return trimmed, true
	}
	return nil, false
}

// String returns the first present key as a string. Numbers are formatted
// without loss so numeric ids compare equal to their string form.
func (r Record) String(keys ...string) string {
	for _, key := range keys {
		v, ok := r.raw(key)
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// Float returns the first key holding a number or a numeric string.
func (r Record) Float(keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := r.raw(key)
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f, true
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// Int returns the first key holding an integer or an integer string.
func (r Record) Int(keys ...string) (int64, bool) {
	f, ok := r.Float(keys...)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Time parses RFC3339 strings or epoch numbers (seconds or milliseconds).
func (r Record) Time(keys ...string) (time.Time, bool) {
	for _, key := range keys {
		v, ok := r.raw(key)
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t, true
				}
			}
			continue
		}
		var n float64
		if err := json.Unmarshal(v, &n); err == nil && n > 0 {
			if n < 1e12 {
				return time.Unix(int64(n), 0), true
			}
			return time.UnixMilli(int64(n)), true
		}
	}
	return time.Time{}, false
}

// Object returns the nested object stored under key, or nil.
func (r Record) Object(key string) Record {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out Record
	if err := json.Unmarshal(v, &out); err != nil {
		return nil
	}
	return out
}

// Objects returns the first key holding an array of objects.
func (r Record) Objects(keys ...string) []Record {
	for _, key := range keys {
		v, ok := r.raw(key)
		if !ok {
			continue
		}
		var out []Record
		if err := json.Unmarshal(v, &out); err == nil {
			return out
		}
	}
	return nil
}

// Floats returns the first key holding an array of numbers.
func (r Record) Floats(keys ...string) []float64 {
	for _, key := range keys {
		v, ok := r.raw(key)
		if !ok {
			continue
		}
		var out []float64
		if err := json.Unmarshal(v, &out); err == nil {
			return out
		}
	}
	return nil
}

// FlexInt decodes ids that the remote API emits either as numbers or strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = FlexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

// District is a district record as returned by GET /districts.
type District struct {
	ID       FlexInt `json:"id"`
	Name     string  `json:"name"`
	RegionID FlexInt `json:"region_id"`
}

// Region is a region record; Districts is only populated when the API nests them.
type Region struct {
	ID        FlexInt    `json:"id"`
	Name      string     `json:"name"`
	Districts []District `json:"districts,omitempty"`
}

// User describes the authenticated operator.
type User struct {
	ID       FlexInt `json:"id"`
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	Role     string  `json:"role,omitempty"`
}

// LoginResult is the body of a successful POST /auth/login.
type LoginResult struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
}

// BearerToken returns whichever token field the server filled in.
func (l LoginResult) BearerToken() string {
	if l.Token != "" {
		return l.Token
	}
	return l.AccessToken
}

// PageMeta is the pagination metadata of a history response.
type PageMeta struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Total int `json:"total"`
	Limit int `json:"limit"`
}

// HistoryPage is one page of historical samples, most recent first.
type HistoryPage struct {
	Samples []Record
	Meta    PageMeta
}

// SensorUpdate is the body of PUT /sensors/{id}.
type SensorUpdate struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	DistrictID  int64   `json:"district_id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}
