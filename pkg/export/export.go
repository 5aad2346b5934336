package export

import (
	"fmt"
	"strings"
)

// Format names a supported export encoding.
type Format string

// Supported formats.
const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// Dataset defines tabular export content.
type Dataset struct {
	Title   string
	Headers []string
	Rows    []map[string]string
	// Summary closes PDF output. Defaults to the row count.
	Summary string
}

// File is a rendered export ready to be streamed.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// ParseFormat resolves a user supplied format, defaulting to CSV.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// Render encodes the dataset in the requested format. name is used without extension.
func Render(format Format, name string, data Dataset) (*File, error) {
	switch format {
	case FormatCSV:
		content, err := NewCSVExporter().Render(data)
		if err != nil {
			return nil, err
		}
		return &File{Name: name + ".csv", ContentType: "text/csv", Content: content}, nil
	case FormatPDF:
		content, err := NewPDFExporter().Render(data)
		if err != nil {
			return nil, err
		}
		return &File{Name: name + ".pdf", ContentType: "application/pdf", Content: content}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
