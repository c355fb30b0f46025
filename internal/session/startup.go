// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/ovpn3/privsvc/internal/ackerr"
)

// Startup is the decoded startup blob: the three strings the client
// sends before anything else happens.
type Startup struct {
	// WorkDir is the working directory for the engine child.
	WorkDir string

	// Options is the engine option string, validated against the
	// CheckOption policy before launch.
	Options string

	// Stdin is the payload forwarded to the child's standard input.
	Stdin string
}

// utf16LE converts between the pipe's UTF-16LE wire encoding and Go
// strings. No BOM: the protocol fixes the byte order.
var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ParseStartupBlob validates and decodes the startup blob: exactly
// three consecutive NUL-terminated UTF-16LE strings, trailing NUL
// required. Anything else is a fatal [ackerr.ErrStartupData]: the
// session reports it and never launches a child.
func ParseStartupBlob(blob []byte) (*Startup, error) {
	if len(blob) == 0 || len(blob)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ackerr.ErrStartupData, len(blob))
	}
	decoded, err := utf16LE.NewDecoder().Bytes(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ackerr.ErrStartupData, err)
	}
	text := string(decoded)
	if !strings.HasSuffix(text, "\x00") {
		return nil, fmt.Errorf("%w: missing trailing terminator", ackerr.ErrStartupData)
	}
	parts := strings.Split(text, "\x00")
	// Three terminated strings split into three parts plus the empty
	// remainder after the last terminator.
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: %d strings", ackerr.ErrStartupData, len(parts)-1)
	}
	return &Startup{WorkDir: parts[0], Options: parts[1], Stdin: parts[2]}, nil
}

// FormatErrorReport renders the three-line UTF-16LE error report
// written back over the client pipe when the session fails before the
// child is launched: the error code, the failing operation, and the
// system message.
func FormatErrorReport(code uint32, operation, message string) []byte {
	text := fmt.Sprintf("0x%08x\n%s\n%s", code, operation, message)
	encoded, err := utf16LE.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil
	}
	return encoded
}
