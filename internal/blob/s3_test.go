package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBaseURL(t *testing.T) {
	assert.Equal(t, "https://media.s3.eu-west-1.amazonaws.com",
		defaultBaseURL(S3Config{Bucket: "media", Region: "eu-west-1"}))
	assert.Equal(t, "https://media.s3.us-east-1.amazonaws.com",
		defaultBaseURL(S3Config{Bucket: "media"}))
	assert.Equal(t, "http://minio:9000/media",
		defaultBaseURL(S3Config{Bucket: "media", Endpoint: "http://minio:9000/"}))
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory("https://cdn.example/")
	ctx := context.Background()

	ok, err := m.ObjectExists(ctx, "media/1/2.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.PutObject(ctx, "media/1/2.jpg", []byte("x"), "image/jpeg"))
	ok, err = m.ObjectExists(ctx, "media/1/2.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.example/media/1/2.jpg", m.ObjectURL("media/1/2.jpg"))

	obj, ok := m.Get("media/1/2.jpg")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", obj.ContentType)
}
