package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopePlainTextFallback(t *testing.T) {
	for _, content := range []string{
		"hello world",
		"{not json",
		`{"unrelated":"object"}`,
		"",
	} {
		env := ParseEnvelope(content)
		assert.Equal(t, content, env.Text)
		assert.Nil(t, env.Attachment)
		assert.Empty(t, env.Attachments)
	}
}

func TestParseEnvelopeStructured(t *testing.T) {
	env := ParseEnvelope(`{"t":"hi","a":{"url":"https://blob.example/x","enc":{"iv":"00","keySalt":"11","mime":"image/png","sha256":"ff"}},"p":"pass"}`)
	assert.Equal(t, "hi", env.Text)
	assert.Equal(t, "pass", env.Passphrase)
	require.NotNil(t, env.Attachment)
	assert.Equal(t, "https://blob.example/x", env.Attachment.URL)
	require.NotNil(t, env.Attachment.Enc)
	assert.Equal(t, "image/png", env.Attachment.Enc.Mime)
}

func TestEnvelopeRoundtrip(t *testing.T) {
	in := Envelope{
		Text: "caption",
		Attachments: []*AttachmentRef{
			{Inline: "data:text/plain;base64,aGk="},
			{URL: "https://blob.example/y", Enc: &AttachmentEnc{IV: "aa", KeySalt: "bb", Mime: "image/jpeg", Sha256: "cc"}, CtInline: "ZZ=="},
		},
		Passphrase: "s3cret",
	}
	encoded, err := in.Encode()
	require.NoError(t, err)

	out := ParseEnvelope(encoded)
	assert.Equal(t, in.Text, out.Text)
	assert.Equal(t, in.Passphrase, out.Passphrase)
	require.Len(t, out.Attachments, 2)
	assert.Equal(t, "data:text/plain;base64,aGk=", out.Attachments[0].Inline)
	assert.Equal(t, "https://blob.example/y", out.Attachments[1].URL)
	assert.Equal(t, "ZZ==", out.Attachments[1].CtInline)
}

func TestEnvelopeAllFlattens(t *testing.T) {
	single := &AttachmentRef{URL: "https://a"}
	extra := &AttachmentRef{URL: "https://b"}
	env := Envelope{Attachment: single, Attachments: []*AttachmentRef{extra}}
	all := env.All()
	require.Len(t, all, 2)
	assert.Same(t, single, all[0])
	assert.Same(t, extra, all[1])
}

func TestDeliveryStateSupersedes(t *testing.T) {
	assert.True(t, StatePending.Supersedes(StatePending))
	assert.True(t, StateSent.Supersedes(StatePending))
	assert.True(t, StateDelivered.Supersedes(StateSent))
	assert.True(t, StateFailed.Supersedes(StateSent))
	assert.False(t, StatePending.Supersedes(StateSent))
	assert.False(t, StatePending.Supersedes(StateDelivered))
	assert.False(t, StateSent.Supersedes(StateDelivered))
	assert.False(t, StatePending.Supersedes(StateFailed))
}
