package relay

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// ErrInvalidContent is returned for content that fails validation. It is a
// caller error, distinct from a policy-excluded kind.
var ErrInvalidContent = errors.New("relay: invalid content")

// Kind is the category of a relayed content unit.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindSticker   Kind = "sticker"
	KindAnimation Kind = "animation"
	KindVideoNote Kind = "video_note"
	KindLocation  Kind = "location"
	KindContact   Kind = "contact"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindText, KindPhoto, KindAudio, KindVoice, KindVideo, KindDocument,
	KindSticker, KindAnimation, KindVideoNote, KindLocation, KindContact,
}

var attachmentKinds = []Kind{
	KindPhoto, KindAudio, KindVoice, KindVideo, KindDocument,
	KindSticker, KindAnimation, KindVideoNote,
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !lo.Contains(Kinds, k) {
		return "", fmt.Errorf("relay: unknown content kind %q", s)
	}
	return k, nil
}

// IsAttachment reports whether the kind carries a binary payload.
func (k Kind) IsAttachment() bool {
	return lo.Contains(attachmentKinds, k)
}

const (
	MaxMessageBytes = 4096 // text payload limit
	MaxCaptionChars = 1024
	MaxDataBytes    = 20 << 20
)

// Location is a geographic coordinate.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Contact is a shared contact card.
type Contact struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=32"`
	FirstName   string `json:"first_name,omitempty" validate:"max=64"`
	LastName    string `json:"last_name,omitempty" validate:"max=64"`
}

// Content is one unit forwarded between peers. Attachments carry either raw
// bytes or an opaque FileRef understood by the host transport.
type Content struct {
	Kind     Kind      `json:"kind" validate:"required"`
	Text     string    `json:"text,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	FileRef  string    `json:"file_ref,omitempty" validate:"max=512"`
	FileName string    `json:"file_name,omitempty" validate:"max=255"`
	MIMEType string    `json:"mime_type,omitempty" validate:"max=255"`
	Location *Location `json:"location,omitempty" validate:"required_if=Kind location"`
	Contact  *Contact  `json:"contact,omitempty" validate:"required_if=Kind contact"`
}

var validate = validator.New()

// Validate checks structural rules. maxTextChars bounds text length in
// characters; zero means no bound beyond MaxMessageBytes.
func (c *Content) Validate(maxTextChars int) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if !lo.Contains(Kinds, c.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidContent, c.Kind)
	}

	switch {
	case c.Kind == KindText:
		if err := checkText(c.Text, maxTextChars); err != nil {
			return err
		}
	case c.Kind.IsAttachment():
		if len(c.Data) == 0 && c.FileRef == "" {
			return fmt.Errorf("%w: %s without data or file reference", ErrInvalidContent, c.Kind)
		}
		if len(c.Data) > MaxDataBytes {
			return fmt.Errorf("%w: attachment exceeds %d bytes", ErrInvalidContent, MaxDataBytes)
		}
	}

	if c.Caption != "" {
		if !utf8.ValidString(c.Caption) {
			return fmt.Errorf("%w: caption contains invalid UTF-8", ErrInvalidContent)
		}
		if utf8.RuneCountInString(c.Caption) > MaxCaptionChars {
			return fmt.Errorf("%w: caption exceeds %d characters", ErrInvalidContent, MaxCaptionChars)
		}
	}
	return nil
}

func checkText(text string, maxChars int) error {
	switch {
	case text == "":
		return fmt.Errorf("%w: message text is empty", ErrInvalidContent)
	case len(text) > MaxMessageBytes:
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidContent, MaxMessageBytes)
	case !utf8.ValidString(text):
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidContent)
	case maxChars > 0 && utf8.RuneCountInString(text) > maxChars:
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidContent, maxChars)
	}
	return nil
}

// Normalize fills in the MIME type of inline attachments from their bytes
// when the sender did not declare one. Declared types are left alone.
func (c *Content) Normalize() {
	if c.MIMEType != "" || len(c.Data) == 0 {
		return
	}
	c.MIMEType = mimetype.Detect(c.Data).String()
}
