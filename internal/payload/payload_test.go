package payload

import (
	"errors"
	"strings"
	"testing"

	"github.com/opendatarepository/odr-worker/internal/retry"
)

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`12`, 12},
		{`"12"`, 12},
		{`""`, 0},
		{`null`, 0},
		{`-1`, -1},
	}
	for _, tt := range tests {
		var id ID
		if err := id.UnmarshalJSON([]byte(tt.in)); err != nil {
			t.Fatalf("UnmarshalJSON(%s) error: %v", tt.in, err)
		}
		if id != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %d, want %d", tt.in, id, tt.want)
		}
	}

	var id ID
	if err := id.UnmarshalJSON([]byte(`"abc"`)); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestTextAcceptsScalars(t *testing.T) {
	tests := []struct {
		in   string
		want Text
	}{
		{`"on"`, "on"},
		{`1`, "1"},
		{`true`, "true"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var v Text
		if err := v.UnmarshalJSON([]byte(tt.in)); err != nil {
			t.Fatalf("UnmarshalJSON(%s) error: %v", tt.in, err)
		}
		if v != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %q, want %q", tt.in, v, tt.want)
		}
	}
	var v Text
	if err := v.UnmarshalJSON([]byte(`[1]`)); err == nil {
		t.Error("expected error for array value")
	}
}

func TestDecodeCSVExportWorker(t *testing.T) {
	body := []byte(`{
		"tracked_job_id": "7",
		"user_id": 3,
		"datatype_id": 9,
		"datarecord_id": [101, "102"],
		"complete_datarecord_list": [[101, 201], [102]],
		"datafields": [5, 6],
		"delimiter": "tab",
		"random_key": "abcdefgh_9_7",
		"job_order": 2,
		"api_key": "k",
		"url": "http://web/export"
	}`)

	var p CSVExportWorker
	if err := Decode(body, &p); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if p.TrackedJobID != 7 || p.UserID != 3 || p.DatatypeID != 9 {
		t.Errorf("ids = %d/%d/%d", p.TrackedJobID, p.UserID, p.DatatypeID)
	}
	if len(p.DatarecordIDs) != 2 || p.DatarecordIDs[1] != 102 {
		t.Errorf("DatarecordIDs = %v", p.DatarecordIDs)
	}
	if p.Rune() != '\t' {
		t.Errorf("Rune() = %q, want tab", p.Rune())
	}
	if p.Endpoint() != "http://web/export" {
		t.Errorf("Endpoint() = %q", p.Endpoint())
	}

	form := p.Form()
	checks := map[string]string{
		"tracked_job_id":                "7",
		"datarecord_id[1]":              "102",
		"complete_datarecord_list[0][1]": "201",
		"datafields[0]":                 "5",
		"random_key":                    "abcdefgh_9_7",
		"job_order":                     "2",
	}
	for k, want := range checks {
		if got := form.Get(k); got != want {
			t.Errorf("form[%s] = %q, want %q", k, got, want)
		}
	}
}

func TestDecodeReportsMissingFields(t *testing.T) {
	var p CSVExportWorker
	err := Decode([]byte(`{"user_id": 3, "datatype_id": 9}`), &p)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if retry.KindOf(err) != retry.KindValidation {
		t.Errorf("kind = %v, want validation", retry.KindOf(err))
	}
	for _, field := range []string{"tracked_job_id", "datarecord_id", "random_key", "api_key"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name %s", err, field)
		}
	}
	if strings.Contains(err.Error(), "user_id") {
		t.Errorf("error %q names a present field", err)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	var p Recache
	err := Decode([]byte(`{not json`), &p)
	var re *retry.Error
	if !errors.As(err, &re) || re.Kind != retry.KindValidation {
		t.Fatalf("Decode error = %v, want validation error", err)
	}
}

func TestCSVExportStartTracking(t *testing.T) {
	base := CSVExportStart{
		UserID:        1,
		DatatypeID:    2,
		DatarecordIDs: []ID{10},
		Datafields:    []ID{3},
		Delimiters:    Delimiters{Base: ","},
		APIKey:        "k",
	}
	for _, tj := range []ID{0, 5, Untracked} {
		p := base
		p.TrackedJobID = tj
		if err := p.Validate(); err != nil {
			t.Errorf("tracked_job_id %d: %v", tj, err)
		}
	}
	p := base
	p.TrackedJobID = -2
	if err := p.Validate(); err == nil {
		t.Error("expected error for tracked_job_id -2")
	}
	p = base
	p.CompleteDatarecordList = [][]ID{{10}, {11}}
	if err := p.Validate(); err == nil {
		t.Error("expected error for mismatched complete_datarecord_list")
	}
}

func TestOrderedKeysSortsNumerically(t *testing.T) {
	p := CSVExportFinalize{RandomKeys: map[string]string{
		"10": "c",
		"9":  "b",
		"2":  "a",
	}}
	ids, keys := p.OrderedKeys()
	if len(ids) != 3 || ids[0] != 2 || ids[1] != 9 || ids[2] != 10 {
		t.Errorf("ids = %v", ids)
	}
	if strings.Join(keys, "") != "abc" {
		t.Errorf("keys = %v", keys)
	}
}

func TestDelimitersNormalized(t *testing.T) {
	d := Delimiters{Base: "tab", Radio: "space", Tag: "|"}.Normalized()
	if d.Base != "\t" || d.Radio != " " || d.Tag != "|" {
		t.Errorf("Normalized() = %+v", d)
	}
	if (Delimiters{}).Rune() != ',' {
		t.Error("empty delimiter should default to comma")
	}
}

func TestCommonSource(t *testing.T) {
	c := Common{MemcachedPrefix: "old"}
	if c.Source() != "old" {
		t.Errorf("Source() = %q", c.Source())
	}
	c.RedisPrefix = "new"
	if c.Source() != "new" {
		t.Errorf("Source() = %q", c.Source())
	}
}

func TestMassEditForm(t *testing.T) {
	var p MassEdit
	body := []byte(`{"tracked_job_id":1,"user_id":2,"job_type":"value","datarecord_id":3,"value":42,"api_key":"k","url":"http://x"}`)
	if err := Decode(body, &p); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	form := p.Form()
	if form.Get("value") != "42" {
		t.Errorf("value = %q", form.Get("value"))
	}
	if _, ok := form["datarecordfield_id"]; ok {
		t.Error("unset datarecordfield_id should be omitted")
	}
}
