// Package fwversion parses and compares the radio's firmware version
// string (C14), gating whether the modern "stream create type=dax_tx"
// path supersedes the legacy "slice set <idx> dax_tx=1" fallback, per
// SPEC_FULL.md §4.14.
//
// Grounded on the teacher's go.mod dependency on hashicorp/go-version,
// which ships unused in the teacher tree; this package gives it the
// first-class job SPEC_FULL.md assigns it.
package fwversion

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

// daxTxStreamCreateThreshold is the firmware version at or above which
// "stream create type=dax_tx" is available, per the decision recorded
// in DESIGN.md.
const daxTxStreamCreateThreshold = "3.0.0"

// FirmwareVersion is a parsed radio firmware version, along with the
// version text as reported on the control connection's V line, without
// any leading "V".
type FirmwareVersion struct {
	Raw    string
	parsed *version.Version
}

// Parse interprets a firmware string such as "2.8.8.2104" or the raw V
// line body (e.g. "V2.8.8.2104"). Surrounding whitespace and any leading
// "V", "v" or space characters are stripped before parsing.
func Parse(raw string) (FirmwareVersion, error) {
	trimmed := strings.TrimSpace(raw)
	numeric := strings.TrimLeft(trimmed, "Vv ")

	v, err := version.NewVersion(numeric)
	if err != nil {
		return FirmwareVersion{}, fmt.Errorf("fwversion: parse %q: %w", raw, err)
	}

	return FirmwareVersion{Raw: numeric, parsed: v}, nil
}

// SupportsStreamCreateDaxTx reports whether this firmware is new enough
// that "stream create type=dax_tx" supersedes the legacy
// "slice set <idx> dax_tx=1" path.
func (f FirmwareVersion) SupportsStreamCreateDaxTx() bool {
	if f.parsed == nil {
		return false
	}
	threshold := version.Must(version.NewVersion(daxTxStreamCreateThreshold))
	return f.parsed.GreaterThanOrEqual(threshold)
}

// String returns the raw firmware string.
func (f FirmwareVersion) String() string {
	return f.Raw
}

// Compare orders two firmware versions the way version.Version does:
// -1, 0, or 1. Unparsed versions compare as less than any parsed one.
func (f FirmwareVersion) Compare(other FirmwareVersion) int {
	switch {
	case f.parsed == nil && other.parsed == nil:
		return 0
	case f.parsed == nil:
		return -1
	case other.parsed == nil:
		return 1
	default:
		return f.parsed.Compare(other.parsed)
	}
}
