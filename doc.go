// Package gcsinventory loads Cloud Storage object metadata into BigQuery.
//
// The loader has two modes of operation. Load mode bulk-lists buckets and
// streams their object metadata into an inventory table: a small number of
// listing lanes page through each bucket's listing and feed a bounded work
// queue, a worker pool expands every page into records (optionally fetching
// per-object ACLs for buckets without uniform bucket-level access), and a
// batching sink writes the records with streaming inserts. Listen mode keeps
// the table current afterwards by consuming object change notifications from
// a Pub/Sub subscription, acknowledging each message only once the batch
// containing its row has been flushed.
//
// # Quick Start
//
// Write a starter configuration, edit the CONFIGURE_ME values, then load:
//
//	gcsinventory config init
//	gcsinventory load my-bucket other-bucket
//	gcsinventory listen
//
// Cat mode runs the same pipeline but prints newline-delimited JSON to
// stdout instead of writing to BigQuery:
//
//	gcsinventory cat my-bucket -p reports/2024/
//
// # Key Packages
//
//	pkg/inventory     - The record model and its serializations
//	pkg/gcs           - Bucket and object listing over the storage API
//	pkg/sink          - Batching BigQuery and LDJSON write paths
//	pkg/listen        - The change-notification listener
//	internal/pipeline - The bounded queue, listing lanes and worker pool
package gcsinventory
