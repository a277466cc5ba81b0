package codec

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloakroom/engine/library"
)

func makeWallet(t *testing.T) library.Wallet {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return library.Wallet{PrivateKey: sk, Account: pk}
}

func TestSignThenVerify(t *testing.T) {
	w := makeWallet(t)
	e := Template(w.Account, KindChannelMessage, "hello", nostr.Tags{{"e", "deadbeef"}}, nostr.Timestamp(1700000000))
	require.NoError(t, Sign(&e, w.PrivateKey))
	assert.Len(t, e.ID, 64)
	assert.True(t, Verify(&e))
}

func TestTamperingInvalidatesVerify(t *testing.T) {
	w := makeWallet(t)
	base := Template(w.Account, KindChannelMessage, "hello", nostr.Tags{{"e", "deadbeef"}}, nostr.Timestamp(1700000000))
	require.NoError(t, Sign(&base, w.PrivateKey))

	content := base
	content.Content = "hellO"
	assert.False(t, Verify(&content))

	tags := base
	tags.Tags = nostr.Tags{{"e", "deadbeee"}}
	assert.False(t, Verify(&tags))

	createdAt := base
	createdAt.CreatedAt = base.CreatedAt + 1
	assert.False(t, Verify(&createdAt))
}

func TestTemplateDeterministic(t *testing.T) {
	a := Template("ab", KindDirectMessage, "x", nostr.Tags{{"p", "cd"}}, nostr.Timestamp(42))
	b := Template("ab", KindDirectMessage, "x", nostr.Tags{{"p", "cd"}}, nostr.Timestamp(42))
	assert.Equal(t, a.GetID(), b.GetID())
}

func TestSealAndOpenDirectMessage(t *testing.T) {
	alice := makeWallet(t)
	bob := makeWallet(t)

	e, err := SealDirectMessage(alice, bob.Account, library.Envelope{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, KindDirectMessage, e.Kind)
	recipient, ok := library.GetRecipient(e)
	require.True(t, ok)
	assert.Equal(t, bob.Account, recipient)
	assert.NotContains(t, e.Content, "hi")

	env, err := OpenDirectMessage(bob, e)
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Text)

	// the sender can read back their own copy via the recipient tag
	own, err := OpenDirectMessage(alice, e)
	require.NoError(t, err)
	assert.Equal(t, "hi", own.Text)
}

func TestOpenDirectMessageWrongKeyFails(t *testing.T) {
	alice := makeWallet(t)
	bob := makeWallet(t)
	eve := makeWallet(t)

	e, err := SealDirectMessage(alice, bob.Account, library.Envelope{Text: "hi"})
	require.NoError(t, err)
	_, err = OpenDirectMessage(eve, e)
	assert.Error(t, err)
}

func TestValidatePublicKey(t *testing.T) {
	w := makeWallet(t)
	assert.NoError(t, ValidatePublicKey(w.Account))
	assert.ErrorIs(t, ValidatePublicKey("nothex"), ErrInvalidKey)
	assert.ErrorIs(t, ValidatePublicKey(w.Account[:62]), ErrInvalidKey)
	assert.Error(t, ValidatePublicKey("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"))
}

func TestReceiptForms(t *testing.T) {
	alice := makeWallet(t)
	bob := makeWallet(t)
	original := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	direct, err := DirectReceipt(bob, alice.Account, original)
	require.NoError(t, err)
	assert.Equal(t, KindDirectMessage, direct.Kind)
	plaintext, err := OpenDirectMessagePlaintext(alice, direct)
	require.NoError(t, err)
	id, ok := ParseReceiptPayload(plaintext)
	require.True(t, ok)
	assert.Equal(t, original, id)

	tagged, err := TaggedReceipt(bob, alice.Account, original)
	require.NoError(t, err)
	assert.Equal(t, KindDeliveryReceipt, tagged.Kind)
	ref, ok := library.GetReferencedEvent(tagged)
	require.True(t, ok)
	assert.Equal(t, original, ref)
	recipient, ok := library.GetRecipient(tagged)
	require.True(t, ok)
	assert.Equal(t, alice.Account, recipient)
}

func TestParseReceiptPayloadRejectsChat(t *testing.T) {
	_, ok := ParseReceiptPayload(`{"t":"hi"}`)
	assert.False(t, ok)
	_, ok = ParseReceiptPayload("just text")
	assert.False(t, ok)
	_, ok = ParseReceiptPayload(`{"r":"short"}`)
	assert.False(t, ok)
}

func TestChannelBuilders(t *testing.T) {
	owner := makeWallet(t)
	member := makeWallet(t)

	create, err := ChannelCreate(owner, ChannelMeta{Name: "ops", About: "the ops room"})
	require.NoError(t, err)
	assert.Equal(t, KindChannelCreate, create.Kind)
	meta, ok := ParseChannelMeta(create.Content)
	require.True(t, ok)
	assert.Equal(t, "ops", meta.Name)

	update, err := ChannelMetadata(owner, create.ID, ChannelMeta{Name: "ops v2"}, []library.Account{owner.Account, member.Account})
	require.NoError(t, err)
	assert.Equal(t, KindChannelMetadata, update.Kind)
	room, ok := library.GetReferencedEvent(update)
	require.True(t, ok)
	assert.Equal(t, create.ID, room)
	assert.ElementsMatch(t, []string{owner.Account, member.Account}, library.GetAllTags(update, "p"))

	msg, err := ChannelMessage(member, create.ID, `{"t":"hello room"}`)
	require.NoError(t, err)
	assert.Equal(t, KindChannelMessage, msg.Kind)
	assert.True(t, Verify(&msg))
}
