package processor

import (
	"fmt"

	"attachsync/pkg/state"
)

// alwaysSkipTypes are media/sub type pairs never worth downloading:
// cryptographic signatures and calendar invites.
var alwaysSkipTypes = map[[2]string]bool{
	{"application", "pgp-signature"}:   true,
	{"application", "pkcs7-signature"}: true,
	{"text", "calendar"}:               true,
	{"application", "ics"}:             true,
}

// Classifier applies the pure pre-download skip rules. It only reads
// metadata already in hand; no I/O happens here.
type Classifier struct {
	// MinImageBytes: images smaller than this are probable icons or logos.
	MinImageBytes int64
	// MinImageDimension: images narrower or shorter than this are skipped.
	MinImageDimension int
}

// SkipReason returns a non-empty reason if the attachment should be skipped
// without any download attempt. Skip decisions are final for an attachment.
func (c Classifier) SkipReason(rec state.Record) string {
	if alwaysSkipTypes[[2]string{rec.MediaType, rec.SubType}] {
		return fmt.Sprintf("skip type: %s/%s", rec.MediaType, rec.SubType)
	}

	if rec.MediaType == "image" {
		if c.MinImageBytes > 0 && rec.Size > 0 && rec.Size < c.MinImageBytes {
			return fmt.Sprintf("image too small: %d bytes", rec.Size)
		}
		if c.MinImageDimension > 0 && rec.Width > 0 && rec.Height > 0 {
			if rec.Width < c.MinImageDimension || rec.Height < c.MinImageDimension {
				return fmt.Sprintf("image too small: %dx%dpx", rec.Width, rec.Height)
			}
		}
	}

	return ""
}
