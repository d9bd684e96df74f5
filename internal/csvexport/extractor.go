package csvexport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/opendatarepository/odr-worker/internal/dispatch"
	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
)

// Markdown fields hold display text only and are never exported.
const Markdown = "Markdown"

// Field is one exported datafield.
type Field struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	TypeName string `json:"typename"`
}

// FieldQuery selects the header of an export.
type FieldQuery struct {
	DatatypeID int64
	Datafields []int64
	APIKey     string
}

// Extractor turns records into CSV rows. It is supplied by the application
// that owns the data model.
type Extractor interface {
	// Fields describes the requested datafields in export order.
	Fields(ctx context.Context, q FieldQuery) ([]Field, error)
	// Rows returns the rows of one chunk. A top-level record may produce
	// several rows once its child records are merged in.
	Rows(ctx context.Context, chunk *payload.CSVExportWorker) ([][]string, error)
}

// Header returns the header line of an export, Markdown fields excluded.
func Header(fields []Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.TypeName == Markdown {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

// ExtractorFuncs adapts a pair of functions to Extractor, for embedding the
// pipeline next to the data model.
type ExtractorFuncs struct {
	FieldsFunc func(ctx context.Context, q FieldQuery) ([]Field, error)
	RowsFunc   func(ctx context.Context, chunk *payload.CSVExportWorker) ([][]string, error)
}

func (e ExtractorFuncs) Fields(ctx context.Context, q FieldQuery) ([]Field, error) {
	return e.FieldsFunc(ctx, q)
}

func (e ExtractorFuncs) Rows(ctx context.Context, chunk *payload.CSVExportWorker) ([][]string, error) {
	return e.RowsFunc(ctx, chunk)
}

// RemoteExtractor asks the web tier for rows and field names. The envelope
// data of a rows call is a JSON array of rows; that of a fields call is a
// JSON array of Field.
type RemoteExtractor struct {
	Caller *dispatch.Remote
	// URL is used when a chunk names no endpoint of its own.
	URL string
}

func (e *RemoteExtractor) Fields(ctx context.Context, q FieldQuery) ([]Field, error) {
	form := url.Values{}
	form.Set("mode", "fields")
	form.Set("datatype_id", strconv.FormatInt(q.DatatypeID, 10))
	for i, id := range q.Datafields {
		form.Set(fmt.Sprintf("datafields[%d]", i), strconv.FormatInt(id, 10))
	}
	form.Set("api_key", q.APIKey)

	env, err := e.Caller.Call(ctx, e.URL, form)
	if err != nil {
		return nil, err
	}
	var fields []Field
	if err := json.Unmarshal(env.D, &fields); err != nil {
		return nil, retry.Unexpected("decode export fields", err)
	}
	return fields, nil
}

func (e *RemoteExtractor) Rows(ctx context.Context, chunk *payload.CSVExportWorker) ([][]string, error) {
	endpoint := chunk.Endpoint()
	if endpoint == "" {
		endpoint = e.URL
	}
	form := chunk.Form()
	form.Set("mode", "rows")

	env, err := e.Caller.Call(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(env.D, &rows); err != nil {
		return nil, retry.Unexpected("decode export rows", err)
	}
	return rows, nil
}
