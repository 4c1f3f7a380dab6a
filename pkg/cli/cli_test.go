package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderTableAlignsColumns(t *testing.T) {
	s := NewStyles(DefaultTheme)
	out := RenderTable(s,
		[]string{"condition", "kappa"},
		[][]string{
			{"baseline", "0.71"},
			{"speed+noise", "0.74"},
		})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[2], "baseline    ") {
		t.Errorf("short cell not padded to column width: %q", lines[2])
	}
}

func TestOutputFormats(t *testing.T) {
	v := map[string]int{"folds": 5}

	var buf bytes.Buffer
	if err := Output(v, OutputOptions{Format: FormatYAML, Writer: &buf}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "folds: 5") {
		t.Errorf("yaml output = %q", buf.String())
	}

	buf.Reset()
	if err := Output(v, OutputOptions{Format: FormatJSON, Writer: &buf}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"folds": 5`) {
		t.Errorf("json output = %q", buf.String())
	}

	if err := Output(v, OutputOptions{Format: "csv", Writer: &buf}); err == nil {
		t.Error("expected error for unsupported format")
	}
}
