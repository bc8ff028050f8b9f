package document

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	failPut bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut {
		return nil, errors.New("connection reset")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.True(t, strings.HasPrefix(a, "doc_"))
	assert.NotEqual(t, a, b)
	assert.NoError(t, ValidateID(a))
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", "  ", "../etc/passwd", "a/b", "has space"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidDocumentID, id)
	}
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "docs", "invoices", zap.NewNop())
	ctx := context.Background()

	id, err := store.Store(ctx, []byte("%PDF-1.4"), Metadata{FileName: "inv-001.pdf", ContentType: "application/pdf", BillID: "42"})
	require.NoError(t, err)

	require.Len(t, fake.puts, 1)
	put := fake.puts[0]
	assert.Equal(t, "docs", aws.ToString(put.Bucket))
	assert.Equal(t, "invoices/"+id, aws.ToString(put.Key))
	assert.Equal(t, "application/pdf", aws.ToString(put.ContentType))
	assert.Equal(t, "42", put.Metadata["bill-id"])

	exists, err := store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestS3StoreMissing(t *testing.T) {
	store := newS3Store(newFakeS3(), "docs", "", zap.NewNop())
	ctx := context.Background()

	exists, err := store.Exists(ctx, "doc_missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Fetch(ctx, "doc_missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestS3StoreUploadFailureIsRetryable(t *testing.T) {
	fake := newFakeS3()
	fake.failPut = true
	store := newS3Store(fake, "docs", "", zap.NewNop())

	_, err := store.Store(context.Background(), []byte("x"), Metadata{})
	assert.ErrorIs(t, err, errs.ErrExternalService)
	assert.True(t, errs.IsRetryable(err))

	_, err = store.Store(context.Background(), nil, Metadata{})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Store(ctx, []byte("hello"), Metadata{FileName: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	meta, ok := store.Metadata(id)
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", meta.ContentType)

	data, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	exists, err := store.Exists(ctx, "doc_other")
	require.NoError(t, err)
	assert.False(t, exists)
}
