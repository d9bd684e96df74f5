package payload

import (
	"net/url"
	"strings"
)

// Remote is a payload forwarded to a web tier endpoint.
type Remote interface {
	Validator
	// Endpoint is the URL the job asks to be posted to, if any.
	Endpoint() string
	// Form is the request body.
	Form() url.Values
}

// Common holds the fields every remote-style job carries.
type Common struct {
	APIKey string `json:"api_key"`
	URL    string `json:"url,omitempty"`
	// Source site, for logs only. Older producers call it memcached_prefix.
	RedisPrefix     string `json:"redis_prefix,omitempty"`
	MemcachedPrefix string `json:"memcached_prefix,omitempty"`
}

func (c Common) Endpoint() string { return c.URL }

// Source returns whichever site prefix the producer set.
func (c Common) Source() string {
	if c.RedisPrefix != "" {
		return c.RedisPrefix
	}
	return c.MemcachedPrefix
}

// Crypto encrypts or decrypts a file or image.
type Crypto struct {
	CryptoType      string `json:"crypto_type"`
	ObjectType      string `json:"object_type"`
	ObjectID        ID     `json:"object_id"`
	TargetFilename  string `json:"target_filename,omitempty"`
	ArchiveFilepath string `json:"archive_filepath,omitempty"`
	DesiredFilename string `json:"desired_filename,omitempty"`
	Common
}

func (p *Crypto) Validate() error {
	c := checker{what: "crypto request"}
	c.need("crypto_type", p.CryptoType == "encrypt" || p.CryptoType == "decrypt")
	c.need("object_type", p.ObjectType != "")
	c.need("object_id", p.ObjectID > 0)
	c.need("api_key", p.APIKey != "")
	return c.err()
}

// ForArchive reports whether the decrypted file goes into a zip archive.
func (p *Crypto) ForArchive() bool {
	return p.ArchiveFilepath != "" && p.DesiredFilename != ""
}

// IsFile reports whether the object is a file rather than an image.
func (p *Crypto) IsFile() bool { return strings.EqualFold(p.ObjectType, "file") }

func (p *Crypto) Form() url.Values {
	v := url.Values{}
	v.Set("object_type", p.ObjectType)
	v.Set("object_id", p.ObjectID.String())
	v.Set("target_filename", p.TargetFilename)
	v.Set("crypto_type", p.CryptoType)
	v.Set("archive_filepath", p.ArchiveFilepath)
	v.Set("desired_filename", p.DesiredFilename)
	v.Set("api_key", p.APIKey)
	return v
}

// Migrate converts one datafield of one record to a new fieldtype.
type Migrate struct {
	TrackedJobID   ID `json:"tracked_job_id"`
	UserID         ID `json:"user_id"`
	DatarecordID   ID `json:"datarecord_id"`
	DatafieldID    ID `json:"datafield_id"`
	OldFieldtypeID ID `json:"old_fieldtype_id"`
	NewFieldtypeID ID `json:"new_fieldtype_id"`
	Common
}

func (p *Migrate) Validate() error {
	c := checker{what: "datafield migration"}
	c.need("tracked_job_id", p.TrackedJobID > 0)
	c.need("user_id", p.UserID > 0)
	c.need("datarecord_id", p.DatarecordID > 0)
	c.need("datafield_id", p.DatafieldID > 0)
	c.need("old_fieldtype_id", p.OldFieldtypeID > 0)
	c.need("new_fieldtype_id", p.NewFieldtypeID > 0)
	c.need("api_key", p.APIKey != "")
	c.need("url", p.URL != "")
	return c.err()
}

func (p *Migrate) Form() url.Values {
	v := url.Values{}
	v.Set("tracked_job_id", p.TrackedJobID.String())
	v.Set("user_id", p.UserID.String())
	v.Set("datarecord_id", p.DatarecordID.String())
	v.Set("datafield_id", p.DatafieldID.String())
	v.Set("old_fieldtype_id", p.OldFieldtypeID.String())
	v.Set("new_fieldtype_id", p.NewFieldtypeID.String())
	v.Set("api_key", p.APIKey)
	return v
}

// Recache rebuilds the cached entries of one record.
type Recache struct {
	DatarecordID ID     `json:"datarecord_id"`
	ScheduledAt  string `json:"scheduled_at,omitempty"`
	Common
}

func (p *Recache) Validate() error {
	c := checker{what: "recache request"}
	c.need("datarecord_id", p.DatarecordID > 0)
	c.need("api_key", p.APIKey != "")
	c.need("url", p.URL != "")
	return c.err()
}

func (p *Recache) Form() url.Values {
	v := url.Values{}
	v.Set("datarecord_id", p.DatarecordID.String())
	v.Set("api_key", p.APIKey)
	v.Set("scheduled_at", p.ScheduledAt)
	return v
}

// RebuildThumbnails regenerates the thumbnails of one image.
type RebuildThumbnails struct {
	TrackedJobID ID     `json:"tracked_job_id"`
	ObjectType   string `json:"object_type"`
	ObjectID     ID     `json:"object_id"`
	Common
}

func (p *RebuildThumbnails) Validate() error {
	c := checker{what: "thumbnail rebuild"}
	c.need("tracked_job_id", p.TrackedJobID > 0)
	c.need("object_type", p.ObjectType != "")
	c.need("object_id", p.ObjectID > 0)
	c.need("api_key", p.APIKey != "")
	c.need("url", p.URL != "")
	return c.err()
}

func (p *RebuildThumbnails) Form() url.Values {
	v := url.Values{}
	v.Set("tracked_job_id", p.TrackedJobID.String())
	v.Set("object_type", p.ObjectType)
	v.Set("object_id", p.ObjectID.String())
	v.Set("api_key", p.APIKey)
	return v
}

// XMLImport imports one record from an uploaded XML file.
type XMLImport struct {
	DatatypeID  ID     `json:"datatype_id"`
	UserID      ID     `json:"user_id"`
	XMLFilename string `json:"xml_filename"`
	Common
}

func (p *XMLImport) Validate() error {
	c := checker{what: "xml import"}
	c.need("datatype_id", p.DatatypeID > 0)
	c.need("user_id", p.UserID > 0)
	c.need("xml_filename", p.XMLFilename != "")
	c.need("api_key", p.APIKey != "")
	c.need("url", p.URL != "")
	return c.err()
}

func (p *XMLImport) Form() url.Values {
	v := url.Values{}
	v.Set("datatype_id", p.DatatypeID.String())
	v.Set("user_id", p.UserID.String())
	v.Set("xml_filename", p.XMLFilename)
	v.Set("api_key", p.APIKey)
	return v
}

// MassEdit applies one value or public status change to one record.
type MassEdit struct {
	TrackedJobID      ID     `json:"tracked_job_id"`
	UserID            ID     `json:"user_id"`
	JobType           string `json:"job_type"`
	DatarecordID      ID     `json:"datarecord_id"`
	DatarecordfieldID ID     `json:"datarecordfield_id,omitempty"`
	PublicStatus      Text   `json:"public_status,omitempty"`
	Value             Text   `json:"value,omitempty"`
	Common
}

func (p *MassEdit) Validate() error {
	c := checker{what: "mass edit"}
	c.need("tracked_job_id", p.TrackedJobID > 0)
	c.need("user_id", p.UserID > 0)
	c.need("job_type", p.JobType != "")
	c.need("datarecord_id", p.DatarecordID > 0)
	c.need("api_key", p.APIKey != "")
	c.need("url", p.URL != "")
	return c.err()
}

func (p *MassEdit) Form() url.Values {
	v := url.Values{}
	v.Set("tracked_job_id", p.TrackedJobID.String())
	v.Set("user_id", p.UserID.String())
	v.Set("job_type", p.JobType)
	v.Set("datarecord_id", p.DatarecordID.String())
	if p.DatarecordfieldID > 0 {
		v.Set("datarecordfield_id", p.DatarecordfieldID.String())
	}
	v.Set("public_status", string(p.PublicStatus))
	v.Set("value", string(p.Value))
	v.Set("api_key", p.APIKey)
	return v
}

var (
	_ Remote = (*Crypto)(nil)
	_ Remote = (*Migrate)(nil)
	_ Remote = (*Recache)(nil)
	_ Remote = (*RebuildThumbnails)(nil)
	_ Remote = (*XMLImport)(nil)
	_ Remote = (*MassEdit)(nil)
	_ Remote = (*CSVExportWorker)(nil)
)
