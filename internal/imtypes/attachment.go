// internal/imtypes/attachment.go
package imtypes

import (
	"errors"
	"strings"
)

// Attachment describes a file sent alongside a message. The chat core never
// sees the file bytes, only this metadata.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Validate checks the attachment metadata.
func (a *Attachment) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("attachment name is required")
	}
	if a.SizeBytes < 0 {
		return errors.New("attachment size must not be negative")
	}
	return nil
}
