package erp

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// DefaultDocTypes are synced when no doctype list is configured.
var DefaultDocTypes = []string{
	"Customer", "Supplier", "Item", "Sales Order", "Purchase Order",
	"Sales Invoice", "Purchase Invoice", "Quotation", "Lead", "Opportunity",
	"Project", "Task", "Issue", "Employee",
}

var textFields = []string{
	"subject", "title", "item_name", "customer_name", "supplier_name",
	"description", "remarks", "notes",
}

var docStatusNames = map[int]string{0: "Draft", 1: "Submitted", 2: "Cancelled"}

// DocumentID is the index and graph key of an ERP record.
func DocumentID(doctype, name string) string {
	return doctype + "::" + name
}

// DocTypeID is the graph key of a DocType node.
func DocTypeID(doctype string) string {
	return DocumentID("DocType", doctype)
}

// String returns the field as text. Numbers are formatted without exponent.
func (d Document) String(field string) string {
	switch v := d[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Name is the record's primary key.
func (d Document) Name() string { return d.String("name") }

// ExtractText renders the searchable text of a record: its name, the
// descriptive fields that are present and its status.
func ExtractText(d Document) string {
	var parts []string
	if name := d.Name(); name != "" {
		parts = append(parts, "Name: "+name)
	}
	for _, f := range textFields {
		if v := strings.TrimSpace(StripHTML(d.String(f))); v != "" {
			parts = append(parts, f+": "+v)
		}
	}
	if s := d.String("status"); s != "" {
		parts = append(parts, "Status: "+s)
	}
	if ds, ok := d["docstatus"].(float64); ok {
		if label, ok := docStatusNames[int(ds)]; ok {
			parts = append(parts, "Document Status: "+label)
		}
	}
	return strings.Join(parts, " | ")
}

// StripHTML returns the text content of an HTML fragment with whitespace
// collapsed. Plain text passes through unchanged.
func StripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func isRawText(tag []byte) bool {
	return bytes.Equal(tag, []byte("script")) || bytes.Equal(tag, []byte("style"))
}

// PDFText extracts the plain text of a PDF file.
func PDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// IsPDF reports whether data starts with the PDF magic.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}
