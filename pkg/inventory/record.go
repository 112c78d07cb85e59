// Package inventory defines the canonical record model for one object-metadata
// row, along with its conversions from GCS listing entries and change
// notifications, and its serializations to BigQuery rows and LDJSON lines.
package inventory

import (
	"encoding/base64"
	"encoding/binary"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	json "github.com/goccy/go-json"

	"github.com/stackdrift/gcsinventory/pkg/inverrors"
)

// Event types carried in change-notification message attributes.
const (
	EventObjectFinalize       = "OBJECT_FINALIZE"
	EventObjectDelete         = "OBJECT_DELETE"
	EventObjectArchive        = "OBJECT_ARCHIVE"
	EventObjectMetadataUpdate = "OBJECT_METADATA_UPDATE"
)

// ACLEntry is one per-object access grant. Present only when the bucket lacks
// uniform bucket-level access and ACL inventorying is enabled.
type ACLEntry struct {
	Entity string `json:"entity"`
	Role   string `json:"role"`
}

// KV is one custom-metadata pair. The GCS API represents custom metadata as an
// object but the destination schema is a repeated struct, so the list form is
// canonical here; UnmarshalJSON accepts either shape.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// KVList holds custom metadata in destination order.
type KVList []KV

// MarshalJSON emits the flattened [{key, value}] form.
func (l KVList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]KV(l))
}

// UnmarshalJSON accepts both the list form and the GCS API object form.
func (l *KVList) UnmarshalJSON(data []byte) error {
	var entries []KV
	if err := json.Unmarshal(data, &entries); err == nil {
		*l = entries
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*l = FlattenMetadata(m)
	return nil
}

// FlattenMetadata converts a custom-metadata map to a sorted KV list.
func FlattenMetadata(m map[string]string) KVList {
	if len(m) == 0 {
		return nil
	}
	entries := make(KVList, 0, len(m))
	for k, v := range m {
		entries = append(entries, KV{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Record is one row of object metadata. (Bucket, Name, Generation) uniquely
// identifies a record; a later write for the same key supersedes an earlier
// one at the destination. A non-nil TimeDeleted marks a tombstone.
//
// Integer fields use string coding to match the GCS JSON API representation,
// which is also what change-notification payloads carry.
type Record struct {
	ID             string     `json:"id,omitempty"`
	Bucket         string     `json:"bucket"`
	Name           string     `json:"name"`
	Generation     int64      `json:"generation,string"`
	Metageneration int64      `json:"metageneration,string,omitempty"`
	Size           int64      `json:"size,string"`
	ContentType    string     `json:"contentType,omitempty"`
	StorageClass   string     `json:"storageClass,omitempty"`
	MD5Hash        string     `json:"md5Hash,omitempty"`
	CRC32C         string     `json:"crc32c,omitempty"`
	Etag           string     `json:"etag,omitempty"`
	TimeCreated    time.Time  `json:"timeCreated"`
	Updated        time.Time  `json:"updated"`
	TimeDeleted    *time.Time `json:"timeDeleted,omitempty"`
	ACL            []ACLEntry `json:"acl,omitempty"`
	Metadata       KVList     `json:"metadata,omitempty"`
}

// Key returns the identity of the record at the destination.
func (r *Record) Key() string {
	return r.Bucket + "/" + r.Name + "#" + strconv.FormatInt(r.Generation, 10)
}

// Tombstoned reports whether the record marks a deleted object.
func (r *Record) Tombstoned() bool {
	return r.TimeDeleted != nil
}

// Save implements bigquery.ValueSaver. Rows use no dedupe insert ID: duplicate
// deliveries are tolerated and resolved by last-write-wins at the table.
func (r *Record) Save() (map[string]bigquery.Value, string, error) {
	row := map[string]bigquery.Value{
		"bucket":     r.Bucket,
		"name":       r.Name,
		"generation": r.Generation,
		"size":       r.Size,
	}
	if r.ID != "" {
		row["id"] = r.ID
	}
	if r.Metageneration != 0 {
		row["metageneration"] = r.Metageneration
	}
	if r.ContentType != "" {
		row["contentType"] = r.ContentType
	}
	if r.StorageClass != "" {
		row["storageClass"] = r.StorageClass
	}
	if r.MD5Hash != "" {
		row["md5Hash"] = r.MD5Hash
	}
	if r.CRC32C != "" {
		row["crc32c"] = r.CRC32C
	}
	if r.Etag != "" {
		row["etag"] = r.Etag
	}
	if !r.TimeCreated.IsZero() {
		row["timeCreated"] = r.TimeCreated
	}
	if !r.Updated.IsZero() {
		row["updated"] = r.Updated
	}
	if r.TimeDeleted != nil {
		row["timeDeleted"] = *r.TimeDeleted
	}
	if len(r.ACL) > 0 {
		acl := make([]bigquery.Value, 0, len(r.ACL))
		for _, e := range r.ACL {
			acl = append(acl, map[string]bigquery.Value{"entity": e.Entity, "role": e.Role})
		}
		row["acl"] = acl
	}
	if len(r.Metadata) > 0 {
		md := make([]bigquery.Value, 0, len(r.Metadata))
		for _, kv := range r.Metadata {
			md = append(md, map[string]bigquery.Value{"key": kv.Key, "value": kv.Value})
		}
		row["metadata"] = md
	}
	return row, bigquery.NoDedupeID, nil
}

// EncodeLine serializes the record as one newline-delimited JSON line.
func (r *Record) EncodeLine() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeData, "failed to encode record")
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one LDJSON line back into a Record.
func DecodeLine(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeData, "failed to decode record")
	}
	return &rec, nil
}

// FromObjectAttrs builds a record from one listing entry. The resource id is
// synthesized in the API's bucket/name/generation form so rows loaded here
// are addressable by the listener's metadata updates. ACL entries present on
// the attrs (full-projection listings) are carried over; otherwise workers
// attach them after a separate ACL fetch.
func FromObjectAttrs(attrs *storage.ObjectAttrs) *Record {
	rec := &Record{
		ID:             attrs.Bucket + "/" + attrs.Name + "/" + strconv.FormatInt(attrs.Generation, 10),
		Bucket:         attrs.Bucket,
		Name:           attrs.Name,
		Generation:     attrs.Generation,
		Metageneration: attrs.Metageneration,
		Size:           attrs.Size,
		ContentType:    attrs.ContentType,
		StorageClass:   attrs.StorageClass,
		Etag:           attrs.Etag,
		TimeCreated:    attrs.Created,
		Updated:        attrs.Updated,
		Metadata:       FlattenMetadata(attrs.Metadata),
	}
	if len(attrs.MD5) > 0 {
		rec.MD5Hash = base64.StdEncoding.EncodeToString(attrs.MD5)
	}
	if attrs.CRC32C != 0 {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], attrs.CRC32C)
		rec.CRC32C = base64.StdEncoding.EncodeToString(buf[:])
	}
	if !attrs.Deleted.IsZero() {
		deleted := attrs.Deleted
		rec.TimeDeleted = &deleted
	}
	rec.ACL = FromACLRules(attrs.ACL)
	return rec
}

// FromACLRules converts storage ACL rules to record entries.
func FromACLRules(rules []storage.ACLRule) []ACLEntry {
	if len(rules) == 0 {
		return nil
	}
	entries := make([]ACLEntry, 0, len(rules))
	for _, rule := range rules {
		entries = append(entries, ACLEntry{Entity: string(rule.Entity), Role: string(rule.Role)})
	}
	return entries
}

// FromChangePayload parses a change-notification payload (the GCS object
// resource as JSON) into a record. OBJECT_DELETE events produce a tombstone
// with the publish time approximating the deletion time; all other metadata
// is preserved.
func FromChangePayload(payload []byte, eventType string, publishTime time.Time) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeData, "failed to parse change payload")
	}
	if rec.Bucket == "" || rec.Name == "" {
		return nil, inverrors.New(inverrors.ErrorTypeData, "change payload missing bucket or name")
	}
	if eventType == EventObjectDelete {
		deleted := publishTime
		rec.TimeDeleted = &deleted
	}
	return &rec, nil
}

