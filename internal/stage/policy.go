package stage

import (
	"strings"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
)

const (
	defaultTitle  = "LIVE on Caffeine!"
	maxTitleLen   = 60

	minAspectWidth  = 1
	minAspectHeight = 3
	maxAspectWidth  = 3
	maxAspectHeight = 1
)

// Annotate trims whitespace, substitutes the default title when the result
// is empty, and truncates to 60 characters (§4.7), trimming any whitespace
// the cut leaves at the end. It is idempotent:
// Annotate(Annotate(t)) == Annotate(t).
func Annotate(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		trimmed = defaultTitle
	}
	if runes := []rune(trimmed); len(runes) > maxTitleLen {
		trimmed = strings.TrimSpace(string(runes[:maxTitleLen]))
	}
	return trimmed
}

// CheckAspectRatio accepts only ratios in the closed range [1:3, 3:1],
// using integer cross-multiplication to avoid floating-point comparison
// (§4.12). Width and height must both be positive.
func CheckAspectRatio(width, height int) *caferr.Error {
	// Too narrow: h/w > 3/1, i.e. h > 3w, i.e. minAspectHeight*w < minAspectWidth*h
	// framed as cross-multiplication against the 1:3 bound.
	if height*minAspectWidth > width*minAspectHeight {
		return caferr.New(caferr.KindAspectTooNarrow)
	}
	// Too wide: w/h > 3/1, i.e. w > 3h.
	if width*maxAspectHeight > height*maxAspectWidth {
		return caferr.New(caferr.KindAspectTooWide)
	}
	return nil
}
