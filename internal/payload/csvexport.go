package payload

import (
	"net/url"
	"strconv"
)

// Untracked is the tracked job id of an export nobody follows. Such exports
// write their partial files but never race to finalize.
const Untracked ID = -1

// Delimiters configures how multi-valued cells are joined.
type Delimiters struct {
	Base         string `json:"delimiter"`
	FileImage    string `json:"file_image_delimiter,omitempty"`
	Radio        string `json:"radio_delimiter,omitempty"`
	Tag          string `json:"tag_delimiter,omitempty"`
	TagHierarchy string `json:"tag_hierarchy_delimiter,omitempty"`
}

// Normalized resolves the symbolic names the web form sends.
func (d Delimiters) Normalized() Delimiters {
	if d.Base == "tab" {
		d.Base = "\t"
	}
	if d.Radio == "space" {
		d.Radio = " "
	}
	return d
}

// Rune returns the base delimiter as a single rune for the CSV writer.
func (d Delimiters) Rune() rune {
	for _, r := range d.Normalized().Base {
		return r
	}
	return ','
}

func (d Delimiters) form(v url.Values) {
	v.Set("delimiter", d.Base)
	v.Set("file_image_delimiter", d.FileImage)
	v.Set("radio_delimiter", d.Radio)
	v.Set("tag_delimiter", d.Tag)
	v.Set("tag_hierarchy_delimiter", d.TagHierarchy)
}

// CSVExportStart asks for an export of a set of top-level records.
type CSVExportStart struct {
	// TrackedJobID of a job the web tier already created. Zero lets the
	// start stage create one; Untracked disables tracking.
	TrackedJobID ID `json:"tracked_job_id"`
	UserID       ID `json:"user_id"`
	DatatypeID   ID `json:"datatype_id"`

	// DatarecordIDs are the top-level records, in export order.
	DatarecordIDs []ID `json:"datarecord_id"`
	// CompleteDatarecordList holds, per top-level record, every descendant
	// record the user may see. Optional; defaults to the record itself.
	CompleteDatarecordList [][]ID `json:"complete_datarecord_list,omitempty"`
	Datafields             []ID   `json:"datafields"`

	Delimiters

	APIKey      string `json:"api_key"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
	URL         string `json:"url,omitempty"`
}

func (p *CSVExportStart) Validate() error {
	c := checker{what: "csv export start"}
	c.need("tracked_job_id", p.TrackedJobID >= 0 || p.TrackedJobID == Untracked)
	c.need("user_id", p.UserID > 0)
	c.need("datatype_id", p.DatatypeID > 0)
	c.need("datarecord_id", len(p.DatarecordIDs) > 0)
	c.need("datafields", len(p.Datafields) > 0)
	c.need("delimiter", p.Base != "")
	c.need("api_key", p.APIKey != "")
	if len(p.CompleteDatarecordList) > 0 {
		c.need("complete_datarecord_list", len(p.CompleteDatarecordList) == len(p.DatarecordIDs))
	}
	return c.err()
}

// CSVExportWorker is one chunk of an export.
type CSVExportWorker struct {
	TrackedJobID ID `json:"tracked_job_id"`
	UserID       ID `json:"user_id"`
	DatatypeID   ID `json:"datatype_id"`

	DatarecordIDs          []ID   `json:"datarecord_id"`
	CompleteDatarecordList [][]ID `json:"complete_datarecord_list"`
	Datafields             []ID   `json:"datafields"`

	Delimiters

	// RandomKey names the chunk's partial file and ledger row.
	RandomKey string `json:"random_key"`
	// JobOrder is the chunk's position in the export.
	JobOrder int `json:"job_order"`

	APIKey      string `json:"api_key"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
	URL         string `json:"url,omitempty"`
}

func (p *CSVExportWorker) Validate() error {
	c := checker{what: "csv export worker"}
	c.need("tracked_job_id", p.TrackedJobID > 0 || p.TrackedJobID == Untracked)
	c.need("user_id", p.UserID > 0)
	c.need("datatype_id", p.DatatypeID > 0)
	c.need("datarecord_id", len(p.DatarecordIDs) > 0)
	c.need("complete_datarecord_list", len(p.CompleteDatarecordList) == len(p.DatarecordIDs))
	c.need("datafields", len(p.Datafields) > 0)
	c.need("delimiter", p.Base != "")
	c.need("random_key", p.RandomKey != "")
	c.need("api_key", p.APIKey != "")
	return c.err()
}

func (p *CSVExportWorker) Endpoint() string { return p.URL }

// Form renders the chunk for the remote extraction endpoint.
func (p *CSVExportWorker) Form() url.Values {
	v := url.Values{}
	v.Set("tracked_job_id", p.TrackedJobID.String())
	v.Set("user_id", p.UserID.String())
	v.Set("datatype_id", p.DatatypeID.String())
	addList(v, "datarecord_id", ids(p.DatarecordIDs))
	for i, list := range p.CompleteDatarecordList {
		addList(v, "complete_datarecord_list["+strconv.Itoa(i)+"]", ids(list))
	}
	addList(v, "datafields", ids(p.Datafields))
	p.Delimiters.form(v)
	v.Set("random_key", p.RandomKey)
	v.Set("job_order", strconv.Itoa(p.JobOrder))
	v.Set("api_key", p.APIKey)
	return v
}

// CSVExportFinalize folds the partial files of an export into the final file.
type CSVExportFinalize struct {
	TrackedJobID ID     `json:"tracked_job_id"`
	UserID       ID     `json:"user_id"`
	DatatypeID   ID     `json:"datatype_id"`
	Datafields   []ID   `json:"datafields"`
	Delimiters
	FinalFilename string `json:"final_filename"`
	// RandomKeys maps ledger row id to random key.
	RandomKeys map[string]string `json:"random_keys"`
	// Continuation is set on follow-up jobs of an incremental finalize,
	// whose final file already has its header.
	Continuation bool `json:"continuation,omitempty"`
	// Offset is the size of the final file when this job was enqueued. A
	// retried step truncates back to it before appending again.
	Offset int64 `json:"offset,omitempty"`

	APIKey      string `json:"api_key"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

func (p *CSVExportFinalize) Validate() error {
	c := checker{what: "csv export finalize"}
	c.need("tracked_job_id", p.TrackedJobID > 0)
	c.need("user_id", p.UserID > 0)
	c.need("datatype_id", p.DatatypeID > 0)
	c.need("datafields", len(p.Datafields) > 0)
	c.need("delimiter", p.Base != "")
	c.need("final_filename", p.FinalFilename != "")
	c.need("random_keys", p.RandomKeys != nil)
	c.need("api_key", p.APIKey != "")
	return c.err()
}

// OrderedKeys returns the ledger ids and random keys in ledger order.
func (p *CSVExportFinalize) OrderedKeys() (ledgerIDs []int64, keys []string) {
	for _, k := range sortedKeys(p.RandomKeys) {
		id, _ := strconv.ParseInt(k, 10, 64)
		ledgerIDs = append(ledgerIDs, id)
		keys = append(keys, p.RandomKeys[k])
	}
	return ledgerIDs, keys
}
