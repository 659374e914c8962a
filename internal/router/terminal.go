package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/PuerkitoBio/goquery"

	"github.com/xiaot623/dataagent/internal/domain"
)

// Terminal renders blocks as plain text on a writer.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal creates a terminal renderer writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// Sinks returns a full set of sinks backed by this terminal.
func (t *Terminal) Sinks() Sinks {
	return Sinks{
		Chart:  SinkFunc(t.renderChart),
		Report: SinkFunc(t.renderReport),
		Code:   SinkFunc(t.renderCode),
		Text:   SinkFunc(t.renderText),
		Error:  SinkFunc(t.renderError),
		Done: func(ctx context.Context) error {
			return t.printf("\n--- done ---\n")
		},
		Failed: func(ctx context.Context, err error) error {
			return t.printf("\n--- failed: %v ---\n", err)
		},
	}
}

func (t *Terminal) printf(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, format, args...)
	return err
}

func (t *Terminal) section(b Block, body string) error {
	return t.printf("\n[%s] %s\n%s\n", b.NodeName, b.TextType, strings.TrimRight(body, "\n"))
}

func (t *Terminal) renderText(ctx context.Context, b Block) error {
	return t.section(b, b.Text)
}

func (t *Terminal) renderError(ctx context.Context, b Block) error {
	return t.printf("\n[%s] ERROR\n%s\n", b.NodeName, strings.TrimRight(b.Text, "\n"))
}

func (t *Terminal) renderCode(ctx context.Context, b Block) error {
	lang := strings.ToLower(string(b.TextType))
	return t.section(b, "```"+lang+"\n"+strings.Trim(b.Text, "\n")+"\n```")
}

func (t *Terminal) renderReport(ctx context.Context, b Block) error {
	if b.TextType != domain.TextTypeHTML {
		return t.section(b, b.Text)
	}
	text, err := HTMLToText(b.Text)
	if err != nil {
		return t.section(b, b.Text)
	}
	return t.section(b, text)
}

func (t *Terminal) renderChart(ctx context.Context, b Block) error {
	if b.TextType == domain.TextTypeResultSet {
		if table, ok := FormatResultSet(b.Text); ok {
			return t.section(b, table)
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(b.Text), "", "  "); err != nil {
		return t.section(b, b.Text)
	}
	return t.section(b, buf.String())
}

// ResultSet is the tabular payload of a RESULT_SET block.
type ResultSet struct {
	Column []string            `json:"column"`
	Data   []map[string]string `json:"data"`
	Error  string              `json:"errorMsg,omitempty"`
}

// FormatResultSet renders a RESULT_SET payload as an aligned table. It
// reports false when text is not a result set.
func FormatResultSet(text string) (string, bool) {
	var rs ResultSet
	if err := json.Unmarshal([]byte(text), &rs); err != nil || len(rs.Column) == 0 {
		return "", false
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rs.Column, "\t"))
	for _, row := range rs.Data {
		cells := make([]string, len(rs.Column))
		for i, col := range rs.Column {
			cells[i] = row[col]
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(&buf, "(%d rows)", len(rs.Data))
	return buf.String(), true
}

var htmlBlockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, tr, caption"

// HTMLToText extracts readable text from an HTML report: one line per block
// element, whitespace collapsed.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html failed: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var lines []string
	doc.Find(htmlBlockSelector).Each(func(i int, s *goquery.Selection) {
		// Nested blocks are emitted by their own match.
		if s.ParentsFiltered(htmlBlockSelector).Length() > 0 {
			return
		}
		var line string
		switch goquery.NodeName(s) {
		case "pre":
			line = strings.TrimRight(s.Text(), "\n")
		case "tr":
			var cells []string
			s.Find("th, td").Each(func(_ int, c *goquery.Selection) {
				cells = append(cells, strings.Join(strings.Fields(c.Text()), " "))
			})
			line = strings.Join(cells, " | ")
		case "li":
			line = "- " + strings.Join(strings.Fields(s.Text()), " ")
		default:
			line = strings.Join(strings.Fields(s.Text()), " ")
		}
		if strings.TrimSpace(line) != "" && line != "- " {
			lines = append(lines, line)
		}
	})

	if len(lines) == 0 {
		return strings.Join(strings.Fields(doc.Find("body").Text()), " "), nil
	}
	return strings.Join(lines, "\n"), nil
}
