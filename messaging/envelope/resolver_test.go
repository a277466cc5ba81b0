package envelope

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloakroom/engine/library"
	"cloakroom/messaging/media"
)

const inlineLimit = 262144

func newTestResolver() *Resolver {
	return NewResolver(media.NewMemoryStore(), inlineLimit, true)
}

func TestPackTextOnly(t *testing.T) {
	env, err := newTestResolver().Pack(context.Background(), "hi", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Text)
	assert.Nil(t, env.Attachment)
	assert.Empty(t, env.Attachments)
	assert.Empty(t, env.Passphrase)
}

func TestPackSmallEncryptedAttachmentInlinesOverEphemeralStore(t *testing.T) {
	// 64 KiB is below the inline threshold, so a backend that only
	// hands out ephemeral locators still lets the send succeed
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	env, err := newTestResolver().Pack(context.Background(), "look", []Attachment{{Name: "pic.bin", Data: payload}}, "secret")
	require.NoError(t, err)
	require.NotNil(t, env.Attachment)
	assert.NotEmpty(t, env.Attachment.CtInline)
	require.NotNil(t, env.Attachment.Enc)
	assert.Equal(t, library.Sha256Sum(payload), env.Attachment.Enc.Sha256)
	assert.Equal(t, "secret", env.Passphrase)
}

func TestPackLargeAttachmentWithoutDurableBackendFails(t *testing.T) {
	payload := make([]byte, 5*1024*1024)
	_, err := newTestResolver().Pack(context.Background(), "", []Attachment{{Name: "video.bin", Data: payload}}, "")
	require.Error(t, err)
	var unavailable ErrUploadUnavailable
	assert.ErrorAs(t, err, &unavailable)
	assert.Equal(t, len(payload), unavailable.Size)
}

func TestPackLargeEncryptedAttachmentWithoutDurableBackendFails(t *testing.T) {
	payload := make([]byte, 5*1024*1024)
	_, err := newTestResolver().Pack(context.Background(), "", []Attachment{{Data: payload}}, "secret")
	var unavailable ErrUploadUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestPackAndResolveEncryptedRoundtrip(t *testing.T) {
	r := newTestResolver()
	payload := []byte("tiny image bytes")
	env, err := r.Pack(context.Background(), "cap", []Attachment{{Data: payload}}, "hunter2")
	require.NoError(t, err)

	resolved := r.Resolve(context.Background(), env)
	require.Len(t, resolved, 1)
	assert.Equal(t, payload, resolved[0].Data)
}

func TestResolvePrefersCtInlineWhenFetchFails(t *testing.T) {
	r := newTestResolver()
	payload := []byte("bytes behind a dead locator")
	env, err := r.Pack(context.Background(), "", []Attachment{{Data: payload}}, "pw")
	require.NoError(t, err)
	require.NotNil(t, env.Attachment)

	// point at a locator nothing serves; the inline ciphertext carries it
	env.Attachment.URL = "https://gone.example/blob"
	resolved := r.Resolve(context.Background(), env)
	require.Len(t, resolved, 1)
	assert.Equal(t, payload, resolved[0].Data)
}

func TestResolveDegradesInsteadOfFailing(t *testing.T) {
	r := newTestResolver()
	env := library.Envelope{
		Text: "still renders",
		Attachments: []*library.AttachmentRef{
			{URL: "https://gone.example/one"},
			{Inline: "data:text/plain;base64,%%%bad"},
			{URL: "mem:missing", Enc: &library.AttachmentEnc{IV: "00", KeySalt: "11", Mime: "x", Sha256: "ff"}},
		},
		Passphrase: "pw",
	}
	resolved := r.Resolve(context.Background(), env)
	assert.Empty(t, resolved)
	assert.Equal(t, "still renders", env.Text)
}

func TestResolveHonorsAutoResolvePolicy(t *testing.T) {
	store := media.NewMemoryStore()
	locator, err := store.Put(context.Background(), "k", "text/plain", []byte("fetch me"))
	require.NoError(t, err)

	off := NewResolver(store, inlineLimit, false)
	resolved := off.Resolve(context.Background(), library.Envelope{Attachment: &library.AttachmentRef{URL: locator}})
	assert.Empty(t, resolved)

	on := NewResolver(store, inlineLimit, true)
	resolved = on.Resolve(context.Background(), library.Envelope{Attachment: &library.AttachmentRef{URL: locator}})
	require.Len(t, resolved, 1)
	assert.Equal(t, []byte("fetch me"), resolved[0].Data)
}

func TestPackPlainSmallInlinesAsDataURL(t *testing.T) {
	env, err := newTestResolver().Pack(context.Background(), "", []Attachment{{Mime: "text/plain", Data: []byte("hello")}}, "")
	require.NoError(t, err)
	require.NotNil(t, env.Attachment)
	require.True(t, strings.HasPrefix(env.Attachment.Inline, "data:"))
	mime, data, err := parseDataURL(env.Attachment.Inline)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mime)
	assert.Equal(t, []byte("hello"), data)
}

func TestParseDataURL(t *testing.T) {
	mime, data, err := parseDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, _, err = parseDataURL("https://not.a.data.url")
	assert.Error(t, err)
}
