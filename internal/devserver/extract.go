package devserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/docq/internal/chat"
)

// Extraction is the text pulled out of an uploaded file plus counts of the
// element kinds encountered. Texts is filled in later from the chunk count.
type Extraction struct {
	Text  string
	Stats chat.DocumentStats
}

// Extractor pulls indexable text out of a stored file.
type Extractor interface {
	Extract(path string) (Extraction, error)
}

// ExtractorFor picks an extractor by file extension. Unknown extensions are
// treated as plain text.
func ExtractorFor(filename string) Extractor {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return pdfExtractor{}
	case ".html", ".htm":
		return htmlExtractor{}
	default:
		return textExtractor{}
	}
}

type textExtractor struct{}

func (textExtractor) Extract(path string) (Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("reading file: %w", err)
	}
	return Extraction{Text: string(data)}, nil
}

type pdfExtractor struct{}

func (pdfExtractor) Extract(path string) (Extraction, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return Extraction{}, fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return Extraction{}, fmt.Errorf("reading pdf text: %w", err)
	}
	return Extraction{Text: string(text)}, nil
}

type htmlExtractor struct{}

func (htmlExtractor) Extract(path string) (Extraction, error) {
	f, err := os.Open(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return Extraction{}, fmt.Errorf("parsing html: %w", err)
	}

	var out Extraction
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			case "img":
				out.Stats.Images++
			case "table":
				out.Stats.Tables++
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out.Text = sb.String()
	return out, nil
}
