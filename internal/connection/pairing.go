package connection

import (
	"encoding/base64"
	"fmt"
)

// renderPairingCodeTerminal renders a pairing code the way a CLI operator
// reads it off: grouped into four-character blocks.
func renderPairingCodeTerminal(code string) string {
	out := make([]byte, 0, len(code)+len(code)/4)
	for i := 0; i < len(code); i++ {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		out = append(out, code[i])
	}
	return string(out)
}

// renderPairingCodeDataURL renders a pairing code as a data URL a network
// client can hand to an <img>/QR widget without a round trip to the server.
func renderPairingCodeDataURL(code string) string {
	return fmt.Sprintf("data:text/plain;base64,%s", base64.StdEncoding.EncodeToString([]byte(code)))
}
