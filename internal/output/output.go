package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/oriys/pulsar/internal/protocol"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatJSON:
		return p.printJSON(data)
	case FormatYAML:
		return p.printYAML(data)
	default:
		// Table and Wide are handled by specific methods
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

func (p *Printer) statusColor(status string) string {
	switch status {
	case protocol.StatusReady:
		return Green
	case protocol.StatusBusy:
		return Yellow
	case protocol.StatusReloading:
		return Magenta
	default:
		return Red
	}
}

// InstanceRow represents one connected editor in table output
type InstanceRow struct {
	ID           string   `json:"id" yaml:"id"`
	ProjectName  string   `json:"project_name" yaml:"project_name"`
	Version      string   `json:"version,omitempty" yaml:"version,omitempty"`
	Status       string   `json:"status" yaml:"status"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	IsDefault    bool     `json:"is_default" yaml:"is_default"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size"`
}

// PrintInstances prints the registry snapshot
func (p *Printer) PrintInstances(rows []InstanceRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No instances connected")
		return nil
	}

	w := p.TableWriter()

	// Header
	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tPROJECT\tVERSION\tSTATUS\tQUEUE\tCAPABILITIES\tDEFAULT"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tPROJECT\tSTATUS\tQUEUE\tDEFAULT"))
	}

	for _, row := range rows {
		marker := ""
		if row.IsDefault {
			marker = p.Colorize(Green, "*")
		}
		caps := "*"
		if len(row.Capabilities) > 0 {
			caps = strings.Join(row.Capabilities, ",")
		}
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				p.Colorize(Cyan, row.ID),
				row.ProjectName,
				row.Version,
				p.Colorize(p.statusColor(row.Status), row.Status),
				row.QueueSize,
				caps,
				marker,
			)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				p.Colorize(Cyan, row.ID),
				row.ProjectName,
				p.Colorize(p.statusColor(row.Status), row.Status),
				row.QueueSize,
				marker,
			)
		}
	}

	return w.Flush()
}

// ExecResult represents one command round-trip through the relay
type ExecResult struct {
	Command    string          `json:"command" yaml:"command"`
	Instance   string          `json:"instance,omitempty" yaml:"instance,omitempty"`
	Success    bool            `json:"success" yaml:"success"`
	Data       json.RawMessage `json:"data,omitempty" yaml:"data,omitempty"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	Code       string          `json:"code,omitempty" yaml:"code,omitempty"`
	DurationMs int64           `json:"duration_ms" yaml:"duration_ms"`
	Attempts   int             `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// PrintExecResult prints the terminal outcome of one command
func (p *Printer) PrintExecResult(result ExecResult) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(result)
	}

	// Table format - human readable
	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Command:"), result.Command)
	if result.Instance != "" {
		fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Instance:"), result.Instance)
	}
	fmt.Fprintf(p.writer, "%s %d ms\n", p.Colorize(Bold, "Duration:"), result.DurationMs)
	if result.Attempts > 1 {
		fmt.Fprintf(p.writer, "%s %d\n", p.Colorize(Bold, "Attempts:"), result.Attempts)
	}

	if result.Error != "" {
		label := result.Error
		if result.Code != "" {
			label = result.Code + ": " + result.Error
		}
		fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Error:"), p.Colorize(Red, label))
		return nil
	}

	fmt.Fprintf(p.writer, "%s\n", p.Colorize(Bold, "Output:"))
	if len(result.Data) == 0 {
		fmt.Fprintln(p.writer, "{}")
		return nil
	}
	// Pretty print JSON output
	var prettyOutput interface{}
	if err := json.Unmarshal(result.Data, &prettyOutput); err == nil {
		formatted, _ := json.MarshalIndent(prettyOutput, "", "  ")
		fmt.Fprintln(p.writer, string(formatted))
	} else {
		fmt.Fprintln(p.writer, string(result.Data))
	}

	return nil
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
