package model

import "time"

// InputSource identifies the channel a raw input arrived from.
type InputSource string

const (
	SourceChat  InputSource = "chat"
	SourceEmail InputSource = "email"
	SourceImage InputSource = "image"
)

// Modality is the payload kind, which governs the extraction model used.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// RawInput is one unit of work handed to the pipeline by a channel adapter.
// SourceRef is an opaque acknowledgment handle (chat message id, mail UID)
// that the pipeline carries through untouched.
type RawInput struct {
	Source     InputSource
	UserID     string
	Text       string
	Image      []byte
	ImageMIME  string
	ReceivedAt time.Time
	SourceRef  string
}

// Modality returns the payload kind of the input.
func (in RawInput) Modality() Modality {
	if len(in.Image) > 0 {
		return ModalityImage
	}
	return ModalityText
}

// Empty reports whether the input carries no processable payload.
func (in RawInput) Empty() bool {
	return len(in.Image) == 0 && in.Text == ""
}

// ModelSelection is the process-wide extraction model choice. VisionModel may
// be empty, in which case image payloads fall back to TextModel.
type ModelSelection struct {
	TextModel   string
	VisionModel string
}

// ModelFor returns the model name to use for the given modality.
func (s ModelSelection) ModelFor(m Modality) string {
	if m == ModalityImage && s.VisionModel != "" {
		return s.VisionModel
	}
	return s.TextModel
}
