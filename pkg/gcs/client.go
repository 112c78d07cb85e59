// Package gcs wraps the Cloud Storage client behind the narrow listing API
// the pipeline consumes, so the pipeline and its tests do not depend on the
// network client directly.
package gcs

import (
	"context"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/stackdrift/gcsinventory/pkg/inverrors"
)

// listPageSize is the page size requested from the objects API. The API caps
// pages at 1000 entries regardless.
const listPageSize = 1000

// BucketInfo describes one bucket: its name and whether uniform bucket-level
// access is enabled. Without UBLA, per-object ACLs may exist and require a
// separate fetch per object.
type BucketInfo struct {
	Name          string
	UniformAccess bool
}

// API is the listing surface consumed by the pipeline.
type API interface {
	// ListBuckets enumerates buckets in the project, optionally
	// restricted to names with the given prefix.
	ListBuckets(ctx context.Context, prefix string) ([]BucketInfo, error)

	// Bucket describes a single named bucket.
	Bucket(ctx context.Context, name string) (BucketInfo, error)

	// ListObjects fetches one page of the object listing for a bucket.
	// An empty pageToken starts from the beginning; an empty returned
	// token means the listing is exhausted.
	ListObjects(ctx context.Context, bucket, prefix, pageToken string) ([]*storage.ObjectAttrs, string, error)

	// ObjectACL fetches the per-object ACL. Only called for buckets
	// without uniform bucket-level access.
	ObjectACL(ctx context.Context, bucket, object string) ([]storage.ACLRule, error)
}

// Client implements API over a real storage client.
type Client struct {
	client    *storage.Client
	projectID string
}

// NewClient creates a listing client for the given project.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to create storage client")
	}
	return &Client{client: client, projectID: projectID}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListBuckets enumerates the project's buckets.
func (c *Client) ListBuckets(ctx context.Context, prefix string) ([]BucketInfo, error) {
	it := c.client.Buckets(ctx, c.projectID)
	it.Prefix = prefix

	var buckets []BucketInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to list buckets")
		}
		buckets = append(buckets, BucketInfo{
			Name:          attrs.Name,
			UniformAccess: attrs.UniformBucketLevelAccess.Enabled,
		})
	}
	return buckets, nil
}

// Bucket fetches attributes for one bucket.
func (c *Client) Bucket(ctx context.Context, name string) (BucketInfo, error) {
	attrs, err := c.client.Bucket(name).Attrs(ctx)
	if err != nil {
		return BucketInfo{}, inverrors.Wrap(err, inverrors.ErrorTypeNotFound, "failed to describe bucket").
			WithDetail("bucket", name)
	}
	return BucketInfo{
		Name:          attrs.Name,
		UniformAccess: attrs.UniformBucketLevelAccess.Enabled,
	}, nil
}

// ListObjects fetches one page of a bucket's object listing.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix, pageToken string) ([]*storage.ObjectAttrs, string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []*storage.ObjectAttrs
	pager := iterator.NewPager(it, listPageSize, pageToken)
	next, err := pager.NextPage(&objects)
	if err != nil {
		return nil, "", inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to list objects").
			WithDetail("bucket", bucket)
	}
	return objects, next, nil
}

// ObjectACL fetches one object's access control list.
func (c *Client) ObjectACL(ctx context.Context, bucket, object string) ([]storage.ACLRule, error) {
	rules, err := c.client.Bucket(bucket).Object(object).ACL().List(ctx)
	if err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to fetch object ACL").
			WithDetail("bucket", bucket).
			WithDetail("object", object)
	}
	return rules, nil
}
