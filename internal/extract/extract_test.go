package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestExtractText(t *testing.T) {
	path := write(t, "notes.txt", "Revenue grew 12% year over year.")
	got, err := New().Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Revenue grew 12% year over year.", got)
}

func TestExtractHTML(t *testing.T) {
	path := write(t, "filing.html", "<html><body><h1>Q3 Results</h1><p>Net income <strong>up</strong>.</p></body></html>")
	got, err := New().Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, got, "# Q3 Results")
	assert.Contains(t, got, "**up**")
	assert.NotContains(t, got, "<p>")
}

func TestExtractXlsx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balance.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Item"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Amount"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Cash"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 1200))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := New().Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, got, "## Sheet1")
	assert.Contains(t, got, "| Item | Amount |")
	assert.Contains(t, got, "| Cash | 1200 |")
}

func TestExtractMissingFile(t *testing.T) {
	_, err := New().Extract(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestExtractUnsupported(t *testing.T) {
	path := write(t, "blob.bin", string([]byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x00, 0x10}))
	_, err := New().Extract(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestStat(t *testing.T) {
	path := write(t, "Report.TXT", "hello")
	info, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "Report.TXT", info.Name)
	assert.EqualValues(t, 5, info.Size)
	assert.Equal(t, "txt", info.Type)
	assert.True(t, strings.HasPrefix(info.Mime, "text/plain"))

	_, err = Stat(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 10))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
	assert.Equal(t, "营收", Truncate("营收增长", 2))
	long := strings.Repeat("x", 60000)
	assert.Len(t, Truncate(long, 50000), 50000)
}
