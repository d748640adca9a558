package processor

import (
	"strings"
	"testing"

	"attachsync/pkg/state"
)

func TestSkipReason(t *testing.T) {
	c := Classifier{MinImageBytes: 20 * 1024, MinImageDimension: 128}

	tests := []struct {
		name   string
		rec    state.Record
		expect string // substring of the reason, empty means no skip
	}{
		{
			name:   "pgp signature",
			rec:    state.Record{MediaType: "application", SubType: "pgp-signature"},
			expect: "skip type",
		},
		{
			name:   "calendar invite",
			rec:    state.Record{MediaType: "text", SubType: "calendar"},
			expect: "skip type",
		},
		{
			name:   "tiny image by bytes",
			rec:    state.Record{MediaType: "image", SubType: "png", Size: 4096},
			expect: "bytes",
		},
		{
			name:   "tiny image by dimensions",
			rec:    state.Record{MediaType: "image", SubType: "png", Size: 50 * 1024, Width: 64, Height: 64},
			expect: "px",
		},
		{
			name: "large image kept",
			rec:  state.Record{MediaType: "image", SubType: "jpeg", Size: 2 << 20, Width: 1920, Height: 1080},
		},
		{
			name: "image with unknown size kept",
			rec:  state.Record{MediaType: "image", SubType: "png"},
		},
		{
			name: "small pdf kept",
			rec:  state.Record{MediaType: "application", SubType: "pdf", Size: 100},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			reason := c.SkipReason(test.rec)
			if test.expect == "" {
				if reason != "" {
					t.Errorf("Expected no skip, got %q", reason)
				}
				return
			}
			if !strings.Contains(reason, test.expect) {
				t.Errorf("Expected reason containing %q, got %q", test.expect, reason)
			}
		})
	}
}

func TestSkipThresholdsDisabled(t *testing.T) {
	c := Classifier{}
	rec := state.Record{MediaType: "image", SubType: "png", Size: 10, Width: 1, Height: 1}
	if reason := c.SkipReason(rec); reason != "" {
		t.Errorf("Zero thresholds must keep everything, got %q", reason)
	}
}
