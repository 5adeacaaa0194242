package bucketcache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/huksley/gotdiff/pkg/bucketcache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Object struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

// mockS3 is an in-memory S3API keyed by "bucket/key".
type mockS3 struct {
	objects   map[string]mockS3Object
	listInput *s3.ListObjectsV2Input
	putErr    error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]mockS3Object)}
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.listInput = in
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+aws.ToString(in.Prefix)) {
			keys = append(keys, strings.TrimPrefix(k, bucket))
		}
	}
	sort.Strings(keys)
	if in.MaxKeys != nil && len(keys) > int(*in.MaxKeys) {
		keys = keys[:*in.MaxKeys]
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = mockS3Object{
		body:        body,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_WriteExistsRead(t *testing.T) {
	// Arrange
	api := newMockS3()
	store := bucketcache.NewS3StoreFromClient(api, zerolog.Nop())
	ctx := context.Background()

	// Act
	require.NoError(t, store.Write(ctx, "trees", "2026/next-14.0.0.json", []byte(`{"x":1}`), "application/json", map[string]string{"a": "b"}))

	// Assert
	exists, err := store.Exists(ctx, "trees", "2026/next-14.0.0.json")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NotNil(t, api.listInput.MaxKeys)
	assert.Equal(t, int32(1), *api.listInput.MaxKeys)

	body, err := store.Read(ctx, "trees", "2026/next-14.0.0.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(body))

	obj := api.objects["trees/2026/next-14.0.0.json"]
	assert.Equal(t, "application/json", obj.contentType)
	assert.Equal(t, map[string]string{"a": "b"}, obj.metadata)
}

func TestS3Store_ExistsMissAndPrefixOnly(t *testing.T) {
	api := newMockS3()
	store := bucketcache.NewS3StoreFromClient(api, zerolog.Nop())
	ctx := context.Background()

	exists, err := store.Exists(ctx, "trees", "k.json")
	require.NoError(t, err)
	assert.False(t, exists)

	api.objects["trees/k.json.old"] = mockS3Object{body: []byte("x")}
	exists, err = store.Exists(ctx, "trees", "k.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3Store_WithCacheSaveFailure(t *testing.T) {
	api := newMockS3()
	api.putErr = errors.New("access denied")
	c := bucketcache.New(bucketcache.NewS3StoreFromClient(api, zerolog.Nop()), zerolog.Nop())
	calls := 0

	_, err := c.Fetch(context.Background(), countingCompute(&calls, "v"), "trees", "k", bucketcache.Options{})
	require.ErrorIs(t, err, bucketcache.ErrSaveFailed)
	assert.Equal(t, 1, calls)
}
