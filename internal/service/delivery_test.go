package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeStreamsContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	content, err := env.delivery.Serve(ctx, grant.Token, deviceA)
	require.NoError(t, err)
	defer content.Body.Close()

	body, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF go book", string(body))
	assert.Equal(t, "application/pdf", content.ContentType)
	assert.Equal(t, "ebook-go.pdf", content.Filename)
	assert.Equal(t, grant.ID, content.GrantID)
}

func TestServeWatermarks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	env.delivery.watermark = true
	env.delivery.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	content, err := env.delivery.Serve(ctx, grant.Token, deviceA)
	require.NoError(t, err)
	body, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	require.NoError(t, content.Body.Close())

	assert.Contains(t, string(body), "%PDF go book")
	assert.Contains(t, string(body), "licensed to account "+buyerID+" grant "+grant.ID+" at 2026-01-02T03:04:05Z")
}

func TestServeSkipsWatermarkForContainers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	env.delivery.watermark = true
	env.store.types = map[string]string{"ebook-go": "application/epub+zip"}

	content, err := env.delivery.Serve(ctx, grant.Token, deviceA)
	require.NoError(t, err)
	body, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	require.NoError(t, content.Body.Close())

	assert.Equal(t, "%PDF go book", string(body))
}

func TestWatermarkable(t *testing.T) {
	for contentType, want := range map[string]bool{
		"application/pdf":           true,
		"text/plain; charset=utf-8": true,
		"application/epub+zip":      false,
		"application/zip":           false,
		"video/mp4":                 false,
		"":                          false,
	} {
		assert.Equal(t, want, watermarkable(contentType), contentType)
	}
}

func TestServeCollapsesSecurityErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	_, err := env.delivery.Serve(ctx, grant.Token, deviceA)
	require.NoError(t, err)

	for name, token := range map[string]string{"unknown token": "nope", "other device": grant.Token} {
		_, err := env.delivery.Serve(ctx, token, deviceB)
		assert.ErrorIs(t, err, ErrAccessDenied, name)
		assert.NotErrorIs(t, err, ErrDeviceMismatch, name)
	}
}

func TestServeMissingContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	delete(env.store.files, "ebook-go")

	_, err := env.delivery.Serve(ctx, grant.Token, deviceA)
	assert.ErrorIs(t, err, ErrContentUnavailable)
	assert.Equal(t, KindDependency, Classify(err))
}
