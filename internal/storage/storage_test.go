package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
)

type fakeS3 struct {
	objects  map[string][]byte
	getErr   map[string][]error
	listCall int
	headErr  error
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCall++
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.StartAfter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	limit := int(aws.ToInt32(in.MaxKeys))
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	modified := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(modified),
			ETag:         aws.String(`"etag-` + k + `"`),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	if errs := f.getErr[key]; len(errs) > 0 {
		f.getErr[key] = errs[1:]
		return nil, errs[0]
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

type fakeKMS struct {
	calls int
}

func (k *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	k.calls++
	return &kms.DecryptOutput{Plaintext: bytes.ToUpper(in.CiphertextBlob), KeyId: in.KeyId}, nil
}

func newFakeS3(n int) *fakeS3 {
	f := &fakeS3{objects: map[string][]byte{}, getErr: map[string][]error{}}
	for i := 0; i < n; i++ {
		f.objects["AWSLogs/123/GuardDuty/us-east-1/obj-"+strconv.Itoa(100+i)+".jsonl.gz"] = []byte("body")
	}
	f.objects["AWSLogs/123/GuardDuty/"] = nil
	return f
}

// =============================================================================
// S3Source
// =============================================================================

// TestS3Source_ListBounded verifies listing stops at max across pages and
// skips folder placeholders.
func TestS3Source_ListBounded(t *testing.T) {
	client := newFakeS3(7)
	src := NewS3Source(client, SourceConfig{Bucket: "exports", KMSKeyArn: "arn:aws:kms:us-east-1:123:key/abc"}, nil)

	refs, err := src.List(context.Background(), "", "AWSLogs/", "", 5)
	require.NoError(t, err)
	require.Len(t, refs, 5)

	assert.Equal(t, "exports", refs[0].Bucket)
	assert.True(t, strings.HasSuffix(refs[0].Key, "obj-100.jsonl.gz"))
	assert.Equal(t, "etag-"+refs[0].Key, refs[0].ETag)
	assert.Equal(t, "arn:aws:kms:us-east-1:123:key/abc", refs[0].KeyRef)
	for _, r := range refs {
		assert.False(t, strings.HasSuffix(r.Key, "/"))
	}
}

// TestS3Source_ListAll verifies pagination collects every object.
func TestS3Source_ListAll(t *testing.T) {
	client := newFakeS3(3)
	src := NewS3Source(client, SourceConfig{Bucket: "exports"}, nil)

	refs, err := src.List(context.Background(), "exports", "AWSLogs/123/GuardDuty/us-east-1/", "", 100)
	require.NoError(t, err)
	assert.Len(t, refs, 3)
}

// TestS3Source_ListStartAfter verifies listing resumes after the given key.
func TestS3Source_ListStartAfter(t *testing.T) {
	src := NewS3Source(newFakeS3(5), SourceConfig{Bucket: "exports"}, nil)
	prefix := "AWSLogs/123/GuardDuty/us-east-1/"

	first, err := src.List(context.Background(), "", prefix, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := src.List(context.Background(), "", prefix, first[1].Key, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, prefix+"obj-102.jsonl.gz", second[0].Key)
	assert.Equal(t, prefix+"obj-103.jsonl.gz", second[1].Key)

	rest, err := src.List(context.Background(), "", prefix, second[1].Key, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, prefix+"obj-104.jsonl.gz", rest[0].Key)
}

// TestS3Source_GetNotFound verifies missing keys map to ErrObjectNotFound.
func TestS3Source_GetNotFound(t *testing.T) {
	src := NewS3Source(newFakeS3(0), SourceConfig{Bucket: "exports"}, nil)
	_, err := src.Get(context.Background(), ObjectRef{Key: "missing"})
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// TestS3Source_HealthCheck verifies bucket reachability checks.
func TestS3Source_HealthCheck(t *testing.T) {
	client := newFakeS3(0)
	src := NewS3Source(client, SourceConfig{Bucket: "exports"}, nil)
	assert.NoError(t, src.HealthCheck(context.Background()))

	client.headErr = errors.New("forbidden")
	assert.Error(t, src.HealthCheck(context.Background()))

	assert.Error(t, NewS3Source(client, SourceConfig{}, nil).HealthCheck(context.Background()))
}

// =============================================================================
// Fetcher
// =============================================================================

// TestFetcher_Decrypts verifies refs with a KeyRef go through the decrypter.
func TestFetcher_Decrypts(t *testing.T) {
	client := newFakeS3(0)
	client.objects["enc"] = []byte("secret")
	client.objects["plain"] = []byte("clear")
	keys := &fakeKMS{}

	f := NewFetcher(NewS3Source(client, SourceConfig{Bucket: "exports"}, nil), nil, WithDecrypter(NewKMSDecrypter(keys)))

	data, err := f.Fetch(context.Background(), ObjectRef{Key: "enc", KeyRef: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "SECRET", string(data))

	data, err = f.Fetch(context.Background(), ObjectRef{Key: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "clear", string(data))
	assert.Equal(t, 1, keys.calls)
}

// TestFetcher_EncryptedWithoutDecrypter verifies a clear error.
func TestFetcher_EncryptedWithoutDecrypter(t *testing.T) {
	client := newFakeS3(0)
	client.objects["enc"] = []byte("secret")
	f := NewFetcher(NewS3Source(client, SourceConfig{Bucket: "exports"}, nil), nil)

	_, err := f.Fetch(context.Background(), ObjectRef{Key: "enc", KeyRef: "key-1"})
	assert.ErrorContains(t, err, "no decrypter")
}

// TestFetcher_RetriesTransientErrors verifies the storage policy is applied
// and not-found is not retried.
func TestFetcher_RetriesTransientErrors(t *testing.T) {
	client := newFakeS3(0)
	client.objects["flaky"] = []byte("ok")
	client.getErr["flaky"] = []error{errors.New("connection reset"), errors.New("connection reset")}

	policy, err := retry.NewPolicy(retry.PolicyConfig{MaxRetries: 3, RetryBackoffMs: 1, MaxBackoffMs: 2, Multiplier: 2})
	require.NoError(t, err)
	f := NewFetcher(NewS3Source(client, SourceConfig{Bucket: "exports"}, nil), nil,
		WithRetry(retry.NewEngine("storage", policy, nil)))

	data, err := f.Fetch(context.Background(), ObjectRef{Key: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))

	_, err = f.Fetch(context.Background(), ObjectRef{Key: "missing"})
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
}
