package processor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"attachsync/pkg/state"
)

var (
	unsafeChars    = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	collapseDashes = regexp.MustCompile(`[-_]+`)
)

// Sanitize makes a string safe as a path component. Sanitization is total:
// every character outside the allow-list is replaced, then runs of
// separators are collapsed so distinct inputs stay readable.
func Sanitize(name string, maxLen int) string {
	s := strings.ReplaceAll(name, " ", "-")
	s = unsafeChars.ReplaceAllString(s, "_")
	s = collapseDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-_")
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// PathRules caps the components of a resolved attachment path.
type PathRules struct {
	SubjectMaxLen int
	NameMaxLen    int
}

// Dir builds the deterministic destination folder for a record:
// root / project / YYYY-MM / sender__subject. Every component is built from
// stable record fields, so reprocessing resolves the same folder.
func Dir(root string, rec state.Record, rules PathRules) string {
	project := Sanitize(rec.Project, 60)
	if project == "" {
		project = "inbox"
	}

	month := rec.DeliveredAt.UTC().Format("2006-01")
	if rec.DeliveredAt.IsZero() || rec.DeliveredAt.Unix() <= 0 {
		month = time.Now().UTC().Format("2006-01")
	}

	sender := Sanitize(rec.SenderAddress, 60)
	if sender == "" {
		sender = Sanitize(rec.SenderName, 60)
	}
	if sender == "" {
		sender = "unknown"
	}

	subject := Sanitize(rec.Subject, rules.SubjectMaxLen)
	if subject == "" {
		subject = "no-subject"
	}

	return filepath.Join(root, project, month, sender+"__"+subject)
}

// Filename builds the sanitized base filename from the original name,
// keeping the extension (lowercased) out of the length cap.
func Filename(original string, rules PathRules) string {
	name := original
	ext := ""
	if idx := strings.LastIndex(original, "."); idx > 0 {
		name = original[:idx]
		ext = strings.ToLower(original[idx+1:])
	}

	name = Sanitize(name, rules.NameMaxLen)
	if name == "" {
		name = "attachment"
	}

	if ext != "" {
		return name + "." + Sanitize(ext, 20)
	}
	return name
}

// WithSuffix inserts a numeric collision suffix before the extension:
// invoice.pdf, invoice_1.pdf, invoice_2.pdf, ...
func WithSuffix(filename string, n int) string {
	if n <= 0 {
		return filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s_%d%s", base, n, ext)
}
