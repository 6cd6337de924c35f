package stage

import (
	"strings"
	"testing"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
)

func TestAnnotateTrimsAndDefaults(t *testing.T) {
	if got := Annotate("  Title  "); got != "Title" {
		t.Errorf("Annotate(\"  Title  \") = %q, want %q", got, "Title")
	}
	if got := Annotate("     "); got != defaultTitle {
		t.Errorf("Annotate(all-whitespace) = %q, want default %q", got, defaultTitle)
	}
	long := strings.Repeat("a", 500)
	got := Annotate(long)
	if len(got) != 60 {
		t.Fatalf("Annotate(500 a's) has length %d, want 60", len(got))
	}
	if strings.Count(got, "a") != 60 {
		t.Errorf("Annotate(500 a's) = %q, want all a's", got)
	}
}

func TestAnnotateInvariants(t *testing.T) {
	titles := []string{"", "   ", "short", strings.Repeat("x", 1000), "  padded  "}
	for _, title := range titles {
		got := Annotate(title)
		if len(got) == 0 || len(got) > 60 {
			t.Errorf("Annotate(%q) = %q violates length invariant", title, got)
		}
		if Annotate(got) != got {
			t.Errorf("Annotate not idempotent for input %q: Annotate(got)=%q, got=%q", title, Annotate(got), got)
		}
	}
}

func TestCheckAspectRatioBoundaries(t *testing.T) {
	cases := []struct {
		w, h int
		want *caferr.Error
	}{
		{1000, 3000, nil},
		{999, 3000, caferr.New(caferr.KindAspectTooNarrow)},
		{3001, 1000, caferr.New(caferr.KindAspectTooWide)},
		{3000, 1000, nil},
		{1, 1, nil},
	}

	for _, tc := range cases {
		got := CheckAspectRatio(tc.w, tc.h)
		if tc.want == nil {
			if got != nil {
				t.Errorf("CheckAspectRatio(%d,%d) = %v, want nil", tc.w, tc.h, got)
			}
			continue
		}
		if got == nil || got.Kind != tc.want.Kind {
			t.Errorf("CheckAspectRatio(%d,%d) = %v, want kind %v", tc.w, tc.h, got, tc.want.Kind)
		}
	}
}
