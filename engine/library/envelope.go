package library

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the application payload carried inside an event's content
// field. For direct messages the whole envelope sits inside the NIP-04
// ciphertext; for channel messages it is plain unless a passphrase is set.
// A content string that does not decode into one of these shapes is
// treated as bare text.
type Envelope struct {
	Text        string           `json:"t,omitempty"`
	Attachment  *AttachmentRef   `json:"a,omitempty"`
	Attachments []*AttachmentRef `json:"as,omitempty"`
	Passphrase  string           `json:"p,omitempty"`
}

// AttachmentRef is either an inline self-contained data URL (small
// attachments) or a pointer at externally stored bytes, optionally
// encrypted. Exactly one of Inline and URL is set.
type AttachmentRef struct {
	Inline   string         `json:"-"`
	URL      string         `json:"url,omitempty"`
	Enc      *AttachmentEnc `json:"enc,omitempty"`
	CtInline string         `json:"ctInline,omitempty"`
}

// AttachmentEnc carries everything needed to decrypt an encrypted
// attachment except the passphrase itself.
type AttachmentEnc struct {
	IV      string `json:"iv"`
	KeySalt string `json:"keySalt"`
	Mime    string `json:"mime"`
	Sha256  Sha256 `json:"sha256"`
}

func (a AttachmentRef) MarshalJSON() ([]byte, error) {
	if a.Inline != "" {
		return json.Marshal(a.Inline)
	}
	type ref AttachmentRef
	return json.Marshal(ref(a))
}

func (a *AttachmentRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.Inline)
	}
	type ref AttachmentRef
	return json.Unmarshal(data, (*ref)(a))
}

// All flattens the single and plural attachment fields into one list.
func (e Envelope) All() (refs []*AttachmentRef) {
	if e.Attachment != nil {
		refs = append(refs, e.Attachment)
	}
	refs = append(refs, e.Attachments...)
	return
}

func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseEnvelope classifies a raw content string. Anything that is not a
// JSON object carrying at least one envelope field falls back to plain
// text, which keeps older clients readable.
func ParseEnvelope(content string) Envelope {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return Envelope{Text: content}
	}
	var env Envelope
	if err := json.UnmarshalFromString(trimmed, &env); err != nil {
		return Envelope{Text: content}
	}
	if env.Text == "" && env.Attachment == nil && len(env.Attachments) == 0 && env.Passphrase == "" {
		return Envelope{Text: content}
	}
	return env
}
