package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes data in the selected output format. table is only called
// for table output.
func render(cmd *cobra.Command, data json.RawMessage, table func(w io.Writer) error) error {
	out := cmd.OutOrStdout()
	switch flagOutput {
	case outputJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return fmt.Errorf("format json: %w", err)
		}
		buf.WriteByte('\n')
		_, err := out.Write(buf.Bytes())
		return err
	case outputYAML:
		// Round-trip through JSON so the YAML keys match the API field names.
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("format yaml: %w", err)
		}
		return enc.Close()
	default:
		return table(out)
	}
}

// borderlessTable returns a plain column-aligned table.
func borderlessTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// colorStatus highlights a status value by outcome.
func colorStatus(s string) string {
	switch s {
	case "SUCCEEDED", "ONLINE", "ENABLED", "LEADER":
		return green(s)
	case "FAILED", "TIMEOUT", "OFFLINE", "EXPIRED":
		return red(s)
	case "DISPATCHED", "RUNNING", "DOING", "UNHEALTHY":
		return yellow(s)
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
