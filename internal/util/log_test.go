package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

func TestLogSuccessUsesSuccessPrefix(t *testing.T) {
	pterm.DisableColor()
	t.Cleanup(pterm.EnableColor)

	var buf bytes.Buffer
	prev := successPrinter
	successPrinter = pterm.Success.WithWriter(&buf)
	t.Cleanup(func() { successPrinter = prev })

	LogSuccess("relay: %s ready", "redis")

	out := buf.String()
	if !strings.Contains(out, "SUCCESS") || !strings.Contains(out, "relay: redis ready") {
		t.Fatalf("output = %q", out)
	}
}

func TestTaggedPrefixesShortID(t *testing.T) {
	if got := Tag("3f2a9c10-0000-4000-8000-000000000000"); string(got) != ShortID("3f2a9c10-0000-4000-8000-000000000000") {
		t.Fatalf("Tag = %q", got)
	}
}
