package connection

import (
	"strings"
	"testing"
)

func TestRenderPairingCodeTerminal_GroupsIntoFours(t *testing.T) {
	got := renderPairingCodeTerminal("ABCDEFGH")
	want := "ABCD-EFGH"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderPairingCodeTerminal_ShortCodeNoDash(t *testing.T) {
	got := renderPairingCodeTerminal("ABC")
	if strings.Contains(got, "-") {
		t.Errorf("did not expect a dash in a sub-four-character code, got %q", got)
	}
}

func TestRenderPairingCodeDataURL_IsValidDataURLPrefix(t *testing.T) {
	got := renderPairingCodeDataURL("ABCD1234")
	if !strings.HasPrefix(got, "data:text/plain;base64,") {
		t.Errorf("got %q, expected a data:text/plain;base64, prefix", got)
	}
}
