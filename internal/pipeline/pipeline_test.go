package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackdrift/gcsinventory/pkg/gcs"
	"github.com/stackdrift/gcsinventory/pkg/inventory"
	"github.com/stackdrift/gcsinventory/pkg/inverrors"
	"github.com/stackdrift/gcsinventory/pkg/sink"
)

// fakeAPI serves canned listings. Pages are keyed by bucket; acls by
// bucket/object.
type fakeAPI struct {
	mu       sync.Mutex
	buckets  []gcs.BucketInfo
	pages    map[string][][]*storage.ObjectAttrs
	acls     map[string][]storage.ACLRule
	listErrs map[string]int // bucket -> remaining transient list failures
}

func (f *fakeAPI) ListBuckets(_ context.Context, prefix string) ([]gcs.BucketInfo, error) {
	var out []gcs.BucketInfo
	for _, b := range f.buckets {
		if strings.HasPrefix(b.Name, prefix) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeAPI) Bucket(_ context.Context, name string) (gcs.BucketInfo, error) {
	for _, b := range f.buckets {
		if b.Name == name {
			return b, nil
		}
	}
	return gcs.BucketInfo{}, inverrors.New(inverrors.ErrorTypeNotFound, "bucket not found")
}

func (f *fakeAPI) ListObjects(_ context.Context, bucket, _ string, pageToken string) ([]*storage.ObjectAttrs, string, error) {
	f.mu.Lock()
	if n := f.listErrs[bucket]; n > 0 {
		f.listErrs[bucket] = n - 1
		f.mu.Unlock()
		return nil, "", inverrors.New(inverrors.ErrorTypeConnection, "listing hiccup")
	}
	f.mu.Unlock()

	pages := f.pages[bucket]
	idx := 0
	if pageToken != "" {
		idx, _ = strconv.Atoi(pageToken)
	}
	if idx >= len(pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(pages) {
		next = strconv.Itoa(idx + 1)
	}
	return pages[idx], next, nil
}

func (f *fakeAPI) ObjectACL(_ context.Context, bucket, object string) ([]storage.ACLRule, error) {
	rules, ok := f.acls[bucket+"/"+object]
	if !ok {
		return nil, inverrors.New(inverrors.ErrorTypeNotFound, "no acl")
	}
	return rules, nil
}

func obj(bucket, name string) *storage.ObjectAttrs {
	return &storage.ObjectAttrs{Bucket: bucket, Name: name, Generation: 1, Size: 10}
}

func fastConfig() Config {
	return Config{
		Workers:      4,
		ListingLanes: 2,
		QueueSize:    4,
		Backoff:      sink.BackoffPolicy{MaxAttempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func collectNames(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var names []string
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		rec, err := inventory.DecodeLine(scanner.Bytes())
		require.NoError(t, err)
		names = append(names, rec.Bucket+"/"+rec.Name)
	}
	require.NoError(t, scanner.Err())
	sort.Strings(names)
	return names
}

func TestRunInventoriesExplicitBucket(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{{Name: "b1", UniformAccess: true}},
		pages: map[string][][]*storage.ObjectAttrs{
			"b1": {{obj("b1", "a.txt"), obj("b1", "b.txt")}},
		},
	}

	var buf bytes.Buffer
	out := sink.NewLDJSON(&buf)
	cfg := fastConfig()
	cfg.Buckets = []string{"b1"}

	stats, err := New(api, out, cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"b1/a.txt", "b1/b.txt"}, collectNames(t, &buf))
	assert.Equal(t, int64(1), stats.BucketsListed)
	assert.Equal(t, int64(1), stats.PagesProduced)
	assert.Equal(t, int64(2), stats.ObjectsSeen)
	assert.Equal(t, int64(2), stats.PerBucket["b1"])
	assert.Equal(t, int64(0), stats.Sink.RowsFailed)
}

func TestRunConsumesEveryPageExactlyOnce(t *testing.T) {
	// More pages than the queue holds, across several buckets, so lanes
	// must block on backpressure and workers must drain to completion.
	api := &fakeAPI{pages: map[string][][]*storage.ObjectAttrs{}}
	want := 0
	for b := 0; b < 5; b++ {
		name := fmt.Sprintf("bucket-%d", b)
		api.buckets = append(api.buckets, gcs.BucketInfo{Name: name, UniformAccess: true})
		var pages [][]*storage.ObjectAttrs
		for p := 0; p < 6; p++ {
			pages = append(pages, []*storage.ObjectAttrs{
				obj(name, fmt.Sprintf("obj-%d-0", p)),
				obj(name, fmt.Sprintf("obj-%d-1", p)),
			})
			want += 2
		}
		api.pages[name] = pages
	}

	var buf bytes.Buffer
	out := sink.NewLDJSON(&buf)
	cfg := fastConfig()
	cfg.QueueSize = 2

	stats, err := New(api, out, cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	names := collectNames(t, &buf)
	assert.Len(t, names, want)
	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "record %s appeared twice", n)
		seen[n] = true
	}
	assert.Equal(t, int64(5), stats.BucketsListed)
	assert.Equal(t, int64(30), stats.PagesProduced)
	assert.Equal(t, int64(want), stats.ObjectsSeen)
}

func TestRunNoMatchingBucketsSucceedsEmpty(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{{Name: "prod-data"}},
	}

	var buf bytes.Buffer
	cfg := fastConfig()
	cfg.BucketPrefix = "staging-"

	stats, err := New(api, sink.NewLDJSON(&buf), cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, buf.Len())
	assert.Equal(t, int64(0), stats.ObjectsSeen)
}

func TestRunSkipsUnknownExplicitBucket(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{{Name: "b1", UniformAccess: true}},
		pages: map[string][][]*storage.ObjectAttrs{
			"b1": {{obj("b1", "a.txt")}},
		},
	}

	var buf bytes.Buffer
	cfg := fastConfig()
	cfg.Buckets = []string{"nope", "b1"}

	stats, err := New(api, sink.NewLDJSON(&buf), cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err, "a missing explicit bucket is skipped, not fatal")
	assert.Equal(t, int64(1), stats.BucketsSkipped)
	assert.Equal(t, []string{"b1/a.txt"}, collectNames(t, &buf))
}

func TestRunRetriesTransientListingFailure(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{{Name: "b1", UniformAccess: true}},
		pages: map[string][][]*storage.ObjectAttrs{
			"b1": {{obj("b1", "a.txt")}},
		},
		listErrs: map[string]int{"b1": 2},
	}

	var buf bytes.Buffer
	cfg := fastConfig()
	cfg.Buckets = []string{"b1"}

	stats, err := New(api, sink.NewLDJSON(&buf), cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.BucketsListed)
	assert.Equal(t, []string{"b1/a.txt"}, collectNames(t, &buf))
}

func TestRunAbandonsBucketAfterRetryExhaustion(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{
			{Name: "bad", UniformAccess: true},
			{Name: "good", UniformAccess: true},
		},
		pages: map[string][][]*storage.ObjectAttrs{
			"bad":  {{obj("bad", "x.txt")}},
			"good": {{obj("good", "y.txt")}},
		},
		listErrs: map[string]int{"bad": 100},
	}

	var buf bytes.Buffer
	stats, err := New(api, sink.NewLDJSON(&buf), fastConfig(), zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.BucketsFailed)
	assert.Equal(t, int64(1), stats.BucketsListed)
	assert.Equal(t, []string{"good/y.txt"}, collectNames(t, &buf))
}

func TestRunFetchesACLsForNonUniformBuckets(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{
			{Name: "legacy", UniformAccess: false},
			{Name: "modern", UniformAccess: true},
		},
		pages: map[string][][]*storage.ObjectAttrs{
			"legacy": {{obj("legacy", "a.txt")}},
			"modern": {{obj("modern", "b.txt")}},
		},
		acls: map[string][]storage.ACLRule{
			"legacy/a.txt": {{Entity: "user-x", Role: "READER"}},
		},
	}

	var buf bytes.Buffer
	cfg := fastConfig()
	cfg.FetchACLs = true

	_, err := New(api, sink.NewLDJSON(&buf), cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	byKey := map[string]*inventory.Record{}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		rec, err := inventory.DecodeLine(scanner.Bytes())
		require.NoError(t, err)
		byKey[rec.Bucket] = rec
	}
	require.NoError(t, scanner.Err())

	require.Contains(t, byKey, "legacy")
	assert.Equal(t, []inventory.ACLEntry{{Entity: "user-x", Role: "READER"}}, byKey["legacy"].ACL)
	require.Contains(t, byKey, "modern")
	assert.Empty(t, byKey["modern"].ACL, "uniform-access buckets skip the ACL fetch")
}

// failingSink rejects every append so write failures can be observed in the
// run stats without a destination.
type failingSink struct {
	appended int64
	failed   int64
	mu       sync.Mutex
}

func (s *failingSink) Append(context.Context, *inventory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended++
	s.failed++
	return errors.New("write rejected")
}

func (s *failingSink) Flush(context.Context) error { return nil }

func (s *failingSink) Stats() sink.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sink.Stats{RowsAppended: s.appended, RowsFailed: s.failed}
}

func TestRunSurfacesWriteFailuresInStats(t *testing.T) {
	api := &fakeAPI{
		buckets: []gcs.BucketInfo{{Name: "b1", UniformAccess: true}},
		pages: map[string][][]*storage.ObjectAttrs{
			"b1": {{obj("b1", "a.txt"), obj("b1", "b.txt")}},
		},
	}

	out := &failingSink{}
	stats, err := New(api, out, fastConfig(), zap.NewNop()).Run(context.Background())
	require.NoError(t, err, "write failures do not abort the run")
	assert.Equal(t, int64(2), stats.ObjectsSeen)
	assert.Equal(t, int64(2), stats.Sink.RowsFailed)
}
