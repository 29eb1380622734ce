package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		wantErr error
	}{
		{
			name:  "simple title",
			input: "Timeout in fetch",
			max:   MaxTitleLength,
			want:  "Timeout in fetch",
		},
		{
			name:  "collapses whitespace",
			input: "  too   many\tspaces  ",
			max:   MaxTitleLength,
			want:  "too many spaces",
		},
		{
			name:  "newlines become spaces",
			input: "line one\nline two",
			max:   MaxTitleLength,
			want:  "line one line two",
		},
		{
			name:  "control characters dropped",
			input: "null\x00byte\x1bescape",
			max:   MaxTitleLength,
			want:  "nullbyteescape",
		},
		{
			name:    "empty after cleaning",
			input:   "\x00\x01\x02",
			max:     MaxTitleLength,
			wantErr: ErrEmpty,
		},
		{
			name:    "over limit",
			input:   strings.Repeat("a", MaxTitleLength+1),
			max:     MaxTitleLength,
			wantErr: ErrTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Line(tt.input, tt.max)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Line(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Line(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Line(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBodyPreservesStructure(t *testing.T) {
	in := "First paragraph.\n\nSecond\tparagraph.\n\n\n\n\nThird."
	got, err := Body(in, MaxSummaryLength)
	if err != nil {
		t.Fatalf("Body() unexpected error: %v", err)
	}
	want := "First paragraph.\n\nSecond\tparagraph.\n\nThird."
	if got != want {
		t.Errorf("Body() = %q, want %q", got, want)
	}
}

func TestBodyLimit(t *testing.T) {
	_, err := Body(strings.Repeat("x", MaxSummaryLength+1), MaxSummaryLength)
	if !errors.Is(err, ErrTooLong) {
		t.Errorf("Body() error = %v, want ErrTooLong", err)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple title",
			input: "Timeout in fetch",
			want:  "timeout-in-fetch",
		},
		{
			name:  "uppercase and punctuation",
			input: "My Project!",
			want:  "my-project",
		},
		{
			name:  "path traversal stripped",
			input: "../../etc/passwd",
			want:  "etcpasswd",
		},
		{
			name:  "separators and dots dropped",
			input: "a/b\\c.d",
			want:  "abcd",
		},
		{
			name:  "hyphen runs collapsed",
			input: "a -- b --- c",
			want:  "a-b-c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug(tt.input); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSlugHashFallback(t *testing.T) {
	a := Slug("!!!")
	b := Slug("???")

	if !strings.HasPrefix(a, "x") || len(a) != SlugHashLength+1 {
		t.Fatalf("Slug fallback = %q, want x + %d hex chars", a, SlugHashLength)
	}
	// Distinct unsanitizable inputs must not collide.
	if a == b {
		t.Errorf("Slug(%q) == Slug(%q) == %q, want distinct tokens", "!!!", "???", a)
	}
	// Same input is stable.
	if a != Slug("!!!") {
		t.Errorf("Slug fallback not deterministic: %q vs %q", a, Slug("!!!"))
	}
}

func TestSeverity(t *testing.T) {
	valid := map[string]int{"1": 1, "3": 3, "5": 5, " 2 ": 2}
	for in, want := range valid {
		got, err := Severity(in)
		if err != nil {
			t.Errorf("Severity(%q) unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("Severity(%q) = %d, want %d", in, got, want)
		}
	}

	invalid := []string{"0", "6", "high", "3.5", "-1", "", "05", "1x"}
	for _, in := range invalid {
		if _, err := Severity(in); !errors.Is(err, ErrBadSeverity) {
			t.Errorf("Severity(%q) error = %v, want ErrBadSeverity", in, err)
		}
	}
}

func TestConfidence(t *testing.T) {
	valid := map[string]float64{"0": 0, "0.75": 0.75, ".5": 0.5, "1.0": 1.0, "0.0": 0}
	for in, want := range valid {
		got, err := Confidence(in)
		if err != nil {
			t.Errorf("Confidence(%q) unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("Confidence(%q) = %v, want %v", in, got, want)
		}
	}

	invalid := []string{"1.1", "-0.5", "2", "high", "", "0.5.5", "1e-3"}
	for _, in := range invalid {
		if _, err := Confidence(in); !errors.Is(err, ErrBadConfidence) {
			t.Errorf("Confidence(%q) error = %v, want ErrBadConfidence", in, err)
		}
	}
}

func TestTags(t *testing.T) {
	got, err := Tags([]string{"Network", "network", "HTTP client", "db"})
	if err != nil {
		t.Fatalf("Tags() unexpected error: %v", err)
	}
	want := []string{"network", "http-client", "db"}
	if len(got) != len(want) {
		t.Fatalf("Tags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tags()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
