package processor

import (
	"net/url"
	"strconv"
	"time"
)

// amzDateLayout is the timestamp format of AWS SigV4 signed URLs.
const amzDateLayout = "20060102T150405Z"

// SignedURLExpiry extracts the expiry instant embedded in a signed download
// URL. It understands the two forms Missive storage hands out: a V2-style
// unix Expires parameter, and SigV4 X-Amz-Date plus X-Amz-Expires seconds.
// The second return is false when no expiry is embedded.
func SignedURLExpiry(rawURL string) (time.Time, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, false
	}
	q := u.Query()

	if raw := q.Get("Expires"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && secs > 0 {
			return time.Unix(secs, 0), true
		}
	}

	if rawDate := q.Get("X-Amz-Date"); rawDate != "" {
		signed, err := time.Parse(amzDateLayout, rawDate)
		if err != nil {
			return time.Time{}, false
		}
		secs, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
		if err != nil || secs <= 0 {
			return time.Time{}, false
		}
		return signed.Add(time.Duration(secs) * time.Second), true
	}

	return time.Time{}, false
}

// URLExpiresWithin reports whether the signed URL is already expired or will
// expire within the buffer. URLs with no embedded expiry never report true.
func URLExpiresWithin(rawURL string, buffer time.Duration, now time.Time) bool {
	expiry, ok := SignedURLExpiry(rawURL)
	if !ok {
		return false
	}
	return !now.Add(buffer).Before(expiry)
}
