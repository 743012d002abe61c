package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// PdfLoader extracts the plain text of every page.
type PdfLoader struct{}

func NewPdfLoader() *PdfLoader { return &PdfLoader{} }

func (*PdfLoader) AcceptedExtensions() []string { return []string{".pdf"} }
func (*PdfLoader) AcceptedMimeTypes() []string  { return []string{"application/pdf"} }

func (*PdfLoader) Load(_ context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("无法打开 PDF %s: %w", path, err)
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("无法提取 PDF 文本: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("读取 PDF 文本失败: %w", err)
	}
	return buf.String(), nil
}

// XlsxLoader renders each sheet as a Markdown table.
type XlsxLoader struct{}

func NewXlsxLoader() *XlsxLoader { return &XlsxLoader{} }

func (*XlsxLoader) AcceptedExtensions() []string { return []string{".xlsx", ".xlsm"} }
func (*XlsxLoader) AcceptedMimeTypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}
}

func (*XlsxLoader) Load(_ context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("无法打开表格 %s: %w", path, err)
	}
	defer f.Close()

	var md strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			// Skip sheet if rows can't be read
			continue
		}
		md.WriteString("## " + sheet + "\n\n")
		md.WriteString("| " + strings.Join(rows[0], " | ") + " |\n")
		md.WriteString("|" + strings.Repeat(" --- |", len(rows[0])) + "\n")
		for _, row := range rows[1:] {
			md.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		md.WriteString("\n")
	}
	return strings.TrimRight(md.String(), "\n"), nil
}

// HTMLLoader converts HTML filings to Markdown.
type HTMLLoader struct{}

func NewHTMLLoader() *HTMLLoader { return &HTMLLoader{} }

func (*HTMLLoader) AcceptedExtensions() []string { return []string{".html", ".htm"} }
func (*HTMLLoader) AcceptedMimeTypes() []string  { return []string{"text/html"} }

func (*HTMLLoader) Load(_ context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	md, err := htmltomarkdown.ConvertString(string(raw))
	if err != nil {
		return "", fmt.Errorf("HTML 转换失败: %w", err)
	}
	return md, nil
}

// TextLoader returns the file as-is.
type TextLoader struct{}

func NewTextLoader() *TextLoader { return &TextLoader{} }

func (*TextLoader) AcceptedExtensions() []string { return []string{".txt", ".md", ".csv"} }
func (*TextLoader) AcceptedMimeTypes() []string  { return []string{"text/plain"} }

func (*TextLoader) Load(_ context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
