// Package commands implements the gobierctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dantte-lp/gobier/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStatus renders the daemon status in the requested format.
func formatStatus(status *server.StatusResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(status)
	case formatTable:
		return formatStatusTable(status), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatBIFTs renders the forwarding table dump in the requested format.
func formatBIFTs(resp *server.BIFTResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(resp)
	case formatTable:
		return formatBIFTsTable(resp)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatStatusTable(status *server.StatusResponse) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Version:      %s\n", status.Version)
	fmt.Fprintf(&buf, "BIFTs:        %d\n", status.BIFTs)
	fmt.Fprintf(&buf, "Entries:      %d\n", status.Entries)
	fmt.Fprintf(&buf, "Sub-domains:  %v\n", status.SubDomains)
	return buf.String()
}

func formatBIFTsTable(resp *server.BIFTResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BIFT-ID\tSD\tSET\tBSL\tBFR-ID\tBIT\tNEXT-HOP\tF-BM")

	for _, b := range resp.BIFTs {
		if len(b.Entries) == 0 {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t-\t-\t-\n",
				b.BIFTID, b.SubDomain, b.SetIndex, b.BSL, b.BFRID)
			continue
		}
		for _, e := range b.Entries {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
				b.BIFTID, b.SubDomain, b.SetIndex, b.BSL, b.BFRID,
				e.Bit, e.NextHop, e.FBM)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush table: %w", err)
	}
	return buf.String(), nil
}

// --- JSON formatter ---

func marshalIndent(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(out) + "\n", nil
}
