package artifact

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects map[string][]byte
	types   map[string]string
	err     error
	block   bool
}

func (f *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func TestGenerate_StoresPNG(t *testing.T) {
	store := &fakeStore{}
	g := NewGenerator(store, time.Second)

	key, err := g.Generate(context.Background(), "https://gift.example.com/s/ana", "o1")
	require.NoError(t, err)
	assert.Equal(t, "qr/o1.png", key)
	assert.Equal(t, ContentType, store.types[key])

	img, err := png.Decode(bytes.NewReader(store.objects[key]))
	require.NoError(t, err)
	assert.Equal(t, imageSize, img.Bounds().Dx())
}

func TestGenerate_StoreFailure(t *testing.T) {
	boom := errors.New("s3 unavailable")
	g := NewGenerator(&fakeStore{err: boom}, time.Second)

	_, err := g.Generate(context.Background(), "https://gift.example.com/s/ana", "o1")
	require.ErrorIs(t, err, boom)
}

func TestGenerate_Timeout(t *testing.T) {
	g := NewGenerator(&fakeStore{block: true}, 20*time.Millisecond)

	_, err := g.Generate(context.Background(), "https://gift.example.com/s/ana", "o1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
