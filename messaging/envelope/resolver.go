// Package envelope translates between wire-level content payloads and
// resolved attachment bytes. Per attachment the ordering is fixed:
// encryption (if any) strictly precedes storage, storage strictly
// precedes envelope construction.
package envelope

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"cloakroom/engine/library"
	"cloakroom/messaging/media"
)

// ErrUploadUnavailable blocks a send whose attachment cannot be made
// fetchable: it exceeds the inline threshold and the store has no
// durable backend. Emitting an unfetchable pointer would silently
// degrade delivery instead.
type ErrUploadUnavailable struct {
	Size  int
	Limit int
}

func (e ErrUploadUnavailable) Error() string {
	return fmt.Sprintf("envelope: attachment of %d bytes needs a media server; only %d bytes can travel inline", e.Size, e.Limit)
}

// Attachment is outbound media before packing.
type Attachment struct {
	Name string
	Mime string
	Data []byte
}

// Resolved is inbound media after resolution, ready to render.
type Resolved struct {
	Mime string
	Data []byte
}

type Resolver struct {
	Store       media.Store
	InlineLimit int
	AutoResolve bool
}

func NewResolver(store media.Store, inlineLimit int, autoResolve bool) *Resolver {
	return &Resolver{Store: store, InlineLimit: inlineLimit, AutoResolve: autoResolve}
}

// Pack builds the outbound envelope for a message. With a passphrase
// every attachment is encrypted before it goes anywhere; without one
// the bytes are stored (or inlined) as-is.
func (r *Resolver) Pack(ctx context.Context, text string, attachments []Attachment, passphrase string) (library.Envelope, error) {
	env := library.Envelope{Text: text}
	if len(attachments) > 0 && passphrase != "" {
		env.Passphrase = passphrase
	}
	var refs []*library.AttachmentRef
	for _, a := range attachments {
		var (
			ref *library.AttachmentRef
			err error
		)
		if passphrase != "" {
			ref, err = r.packEncrypted(ctx, a, passphrase)
		} else {
			ref, err = r.packPlain(ctx, a)
		}
		if err != nil {
			return library.Envelope{}, err
		}
		refs = append(refs, ref)
	}
	switch len(refs) {
	case 0:
	case 1:
		env.Attachment = refs[0]
	default:
		env.Attachments = refs
	}
	return env, nil
}

func (r *Resolver) packEncrypted(ctx context.Context, a Attachment, passphrase string) (*library.AttachmentRef, error) {
	enc, err := media.Encrypt(a.Data, passphrase)
	if err != nil {
		return nil, err
	}
	ref := &library.AttachmentRef{
		Enc: &library.AttachmentEnc{
			IV:      hex.EncodeToString(enc.IV),
			KeySalt: hex.EncodeToString(enc.KeySalt),
			Mime:    enc.Mime,
			Sha256:  enc.Sha256,
		},
	}
	locator, err := r.Store.Put(ctx, uuid.NewString(), "application/octet-stream", enc.Ciphertext)
	if err != nil {
		library.LogCLI(fmt.Sprintf("storing ciphertext failed, falling back to inline: %s", err.Error()), 2)
		locator = ""
	}
	if locator != "" && !media.Ephemeral(locator) {
		ref.URL = locator
		return ref, nil
	}
	// no durable backend; small ciphertext travels inside the envelope
	if len(enc.Ciphertext) > r.InlineLimit {
		return nil, ErrUploadUnavailable{Size: len(enc.Ciphertext), Limit: r.InlineLimit}
	}
	ref.URL = locator
	ref.CtInline = base64.StdEncoding.EncodeToString(enc.Ciphertext)
	return ref, nil
}

func (r *Resolver) packPlain(ctx context.Context, a Attachment) (*library.AttachmentRef, error) {
	mime := a.Mime
	if mime == "" {
		mime = mimetype.Detect(a.Data).String()
	}
	locator, err := r.Store.Put(ctx, uuid.NewString(), mime, a.Data)
	if err != nil {
		library.LogCLI(fmt.Sprintf("storing attachment failed, falling back to inline: %s", err.Error()), 2)
		locator = ""
	}
	if locator != "" && !media.Ephemeral(locator) {
		return &library.AttachmentRef{URL: locator}, nil
	}
	if len(a.Data) > r.InlineLimit {
		return nil, ErrUploadUnavailable{Size: len(a.Data), Limit: r.InlineLimit}
	}
	return &library.AttachmentRef{Inline: dataURL(mime, a.Data)}, nil
}

// Resolve turns every attachment reference in a decrypted envelope into
// display-ready bytes. Failures never propagate: an unresolvable
// attachment degrades to an absent preview and the text still renders.
func (r *Resolver) Resolve(ctx context.Context, env library.Envelope) []Resolved {
	var out []Resolved
	for _, ref := range env.All() {
		if resolved, ok := r.resolveOne(ctx, ref, env.Passphrase); ok {
			out = append(out, resolved)
		}
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, ref *library.AttachmentRef, passphrase string) (Resolved, bool) {
	if ref.Inline != "" {
		mime, data, err := parseDataURL(ref.Inline)
		if err != nil {
			library.LogCLI(fmt.Sprintf("dropping undecodable inline attachment: %s", err.Error()), 2)
			return Resolved{}, false
		}
		return Resolved{Mime: mime, Data: data}, true
	}
	if ref.Enc != nil {
		return r.resolveEncrypted(ctx, ref, passphrase)
	}
	// plain remote reference; fetched only under the auto-resolve policy
	if !r.AutoResolve || !media.Fetchable(ref.URL) {
		return Resolved{}, false
	}
	mime, data, err := r.Store.Get(ctx, ref.URL)
	if err != nil {
		library.LogCLI(fmt.Sprintf("could not fetch %s: %s", ref.URL, err.Error()), 3)
		return Resolved{}, false
	}
	return Resolved{Mime: mime, Data: data}, true
}

// resolveEncrypted always resolves: without decryption there is nothing
// to render. Inline ciphertext is the fallback when the referenced
// object cannot be fetched.
func (r *Resolver) resolveEncrypted(ctx context.Context, ref *library.AttachmentRef, passphrase string) (Resolved, bool) {
	var ciphertext []byte
	if ref.URL != "" && media.Fetchable(ref.URL) {
		if _, data, err := r.Store.Get(ctx, ref.URL); err == nil {
			ciphertext = data
		}
	}
	if ciphertext == nil && ref.CtInline != "" {
		data, err := base64.StdEncoding.DecodeString(ref.CtInline)
		if err != nil {
			library.LogCLI(fmt.Sprintf("dropping attachment with undecodable inline ciphertext: %s", err.Error()), 2)
			return Resolved{}, false
		}
		ciphertext = data
	}
	if ciphertext == nil {
		library.LogCLI(fmt.Sprintf("no way to reach ciphertext for %s", ref.URL), 3)
		return Resolved{}, false
	}
	iv, err := hex.DecodeString(ref.Enc.IV)
	if err != nil {
		return Resolved{}, false
	}
	salt, err := hex.DecodeString(ref.Enc.KeySalt)
	if err != nil {
		return Resolved{}, false
	}
	plaintext, err := media.Decrypt(ciphertext, iv, salt, passphrase)
	if err != nil {
		library.LogCLI(fmt.Sprintf("attachment decryption failed: %s", err.Error()), 2)
		return Resolved{}, false
	}
	if ref.Enc.Sha256 != "" && library.Sha256Sum(plaintext) != ref.Enc.Sha256 {
		library.LogCLI("attachment hash mismatch, dropping", 2)
		return Resolved{}, false
	}
	return Resolved{Mime: ref.Enc.Mime, Data: plaintext}, true
}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func parseDataURL(s string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL has no payload")
	}
	mime = strings.TrimSuffix(meta, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	return mime, data, err
}
