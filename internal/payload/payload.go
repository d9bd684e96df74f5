// Package payload defines the JSON body carried by each tube.
//
// The web tier writes these bodies; ids may arrive as JSON numbers or as
// numeric strings, so every id field uses the ID type. Decode fails with a
// validation error naming every missing field, so a malformed job is
// rejected before any work starts.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/opendatarepository/odr-worker/internal/retry"
)

// Validator is implemented by every payload type.
type Validator interface {
	Validate() error
}

// Decode unmarshals body into v and validates it.
func Decode(body []byte, v Validator) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return retry.Validation("decode payload", err.Error())
	}
	return v.Validate()
}

// Encode marshals a payload for Put.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// ID is a numeric identifier that also accepts a quoted number.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*id = ID(n)
	return nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Text is a scalar field kept as its string form, whatever JSON type the
// producer used.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Text(s)
		return nil
	}
	if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
		return fmt.Errorf("invalid scalar %s", b)
	}
	*t = Text(b)
	return nil
}

// checker collects missing field names.
type checker struct {
	what    string
	missing []string
}

func (c *checker) need(field string, present bool) {
	if !present {
		c.missing = append(c.missing, field)
	}
}

func (c *checker) err() error {
	if len(c.missing) == 0 {
		return nil
	}
	return retry.Validation(c.what, "missing fields: "+strings.Join(c.missing, ", "))
}

// ids renders a list for form encoding.
func ids(list []ID) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}

// addList encodes list the way the web tier's form parser expects arrays.
func addList(v url.Values, key string, list []string) {
	for i, s := range list {
		v.Set(fmt.Sprintf("%s[%d]", key, i), s)
	}
}

// sortedKeys returns map keys in ascending numeric order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		if errA != nil || errB != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})
	return keys
}
