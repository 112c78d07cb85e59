// Package bq holds the destination table definition and lifecycle helpers.
package bq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/stackdrift/gcsinventory/pkg/inventory"
	"github.com/stackdrift/gcsinventory/pkg/inverrors"
)

// InventorySchema is the schema of the inventory table: the object-metadata
// columns the record model carries. Field names match the GCS JSON API so
// cat-mode output and table rows line up.
var InventorySchema = bigquery.Schema{
	{Name: "id", Type: bigquery.StringFieldType},
	{Name: "bucket", Type: bigquery.StringFieldType, Required: true},
	{Name: "name", Type: bigquery.StringFieldType, Required: true},
	{Name: "generation", Type: bigquery.IntegerFieldType},
	{Name: "metageneration", Type: bigquery.IntegerFieldType},
	{Name: "size", Type: bigquery.IntegerFieldType},
	{Name: "contentType", Type: bigquery.StringFieldType},
	{Name: "storageClass", Type: bigquery.StringFieldType},
	{Name: "md5Hash", Type: bigquery.StringFieldType},
	{Name: "crc32c", Type: bigquery.StringFieldType},
	{Name: "etag", Type: bigquery.StringFieldType},
	{Name: "timeCreated", Type: bigquery.TimestampFieldType},
	{Name: "updated", Type: bigquery.TimestampFieldType},
	{Name: "timeDeleted", Type: bigquery.TimestampFieldType},
	{Name: "acl", Type: bigquery.RecordFieldType, Repeated: true, Schema: bigquery.Schema{
		{Name: "entity", Type: bigquery.StringFieldType},
		{Name: "role", Type: bigquery.StringFieldType},
	}},
	{Name: "metadata", Type: bigquery.RecordFieldType, Repeated: true, Schema: bigquery.Schema{
		{Name: "key", Type: bigquery.StringFieldType},
		{Name: "value", Type: bigquery.StringFieldType},
	}},
}

// Table identifies a destination table.
type Table struct {
	Project string
	Dataset string
	Name    string
}

// FullyQualifiedName returns project.dataset.name.
func (t Table) FullyQualifiedName() string {
	return fmt.Sprintf("%s.%s.%s", t.Project, t.Dataset, t.Name)
}

// Ensure creates the dataset and table if they do not exist. Creation is
// eventually consistent: streaming inserts may still observe a missing table
// for a short window afterwards, which the sink retries through.
func (t Table) Ensure(ctx context.Context, client *bigquery.Client) error {
	dataset := client.DatasetInProject(t.Project, t.Dataset)
	if _, err := dataset.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to read dataset metadata")
		}
		if err := dataset.Create(ctx, &bigquery.DatasetMetadata{}); err != nil && !isAlreadyExists(err) {
			return inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to create dataset").
				WithDetail("dataset", t.Dataset)
		}
	}

	table := dataset.Table(t.Name)
	if err := table.Create(ctx, &bigquery.TableMetadata{Schema: InventorySchema}); err != nil && !isAlreadyExists(err) {
		return inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to create table").
			WithDetail("table", t.FullyQualifiedName())
	}
	return nil
}

// Drop deletes the table. This cannot be undone.
func (t Table) Drop(ctx context.Context, client *bigquery.Client) error {
	if err := client.DatasetInProject(t.Project, t.Dataset).Table(t.Name).Delete(ctx); err != nil {
		return inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to drop table").
			WithDetail("table", t.FullyQualifiedName())
	}
	return nil
}

// MetadataUpdateQuery builds the DML statement that replaces the metadata
// column for one row, used when a metadata-update notification arrives. The
// row id and the metadata values are bound as query parameters.
func (t Table) MetadataUpdateQuery(md inventory.KVList) string {
	structs := make([]string, 0, len(md))
	for i := range md {
		structs = append(structs, fmt.Sprintf("STRUCT(@md_key_%d AS key, @md_value_%d AS value)", i, i))
	}
	return fmt.Sprintf("UPDATE `%s` SET metadata = [%s] WHERE id = @id",
		t.FullyQualifiedName(), strings.Join(structs, ", "))
}

// MetadataUpdateParams returns the query parameters matching
// MetadataUpdateQuery.
func MetadataUpdateParams(id string, md inventory.KVList) []bigquery.QueryParameter {
	params := []bigquery.QueryParameter{{Name: "id", Value: id}}
	for i, kv := range md {
		params = append(params,
			bigquery.QueryParameter{Name: fmt.Sprintf("md_key_%d", i), Value: kv.Key},
			bigquery.QueryParameter{Name: fmt.Sprintf("md_value_%d", i), Value: kv.Value},
		)
	}
	return params
}

// isNotFound reports whether err is the destination's not-found condition,
// a distinguished transient failure during the consistency window after
// table creation.
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// IsTransient reports whether a write error is worth retrying: not-found
// during creation lag, rate limiting, and server-side unavailability.
func IsTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable:
			return true
		}
		return false
	}
	return inverrors.IsRetryable(err)
}
