package export

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rosterDataset() Dataset {
	return Dataset{
		Title:   "CS201 Algorithms",
		Headers: []string{"#", "student_id"},
		Rows: []map[string]string{
			{"#": "1", "student_id": "stu-1"},
			{"#": "2", "student_id": "stu,2"},
		},
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = ParseFormat(" PDF ")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, format)

	_, err = ParseFormat("xlsx")
	assert.Error(t, err)
}

func TestRenderCSV(t *testing.T) {
	file, err := Render(FormatCSV, "roster-C1", rosterDataset())
	require.NoError(t, err)
	assert.Equal(t, "roster-C1.csv", file.Name)
	assert.Equal(t, "text/csv", file.ContentType)

	lines := strings.Split(strings.TrimSpace(string(file.Content)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "#,student_id", lines[0])
	assert.Equal(t, `2,"stu,2"`, lines[2])
}

func TestRenderPDF(t *testing.T) {
	file, err := Render(FormatPDF, "roster-C1", rosterDataset())
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, bytes.HasPrefix(file.Content, []byte("%PDF")))
}

func TestRenderRequiresHeaders(t *testing.T) {
	_, err := Render(FormatCSV, "empty", Dataset{})
	assert.Error(t, err)
	_, err = Render(FormatPDF, "empty", Dataset{})
	assert.Error(t, err)
	_, err = Render(Format("xml"), "empty", rosterDataset())
	assert.Error(t, err)
}

func TestRenderCSVNeutralizesFormulas(t *testing.T) {
	data := Dataset{
		Headers: []string{"student_id"},
		Rows:    []map[string]string{{"student_id": "=HYPERLINK(\"x\")"}, {"student_id": "-1"}, {"student_id": "stu-1"}},
	}
	file, err := Render(FormatCSV, "roster", data)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(file.Content)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `"'=HYPERLINK(""x"")"`, lines[1])
	assert.Equal(t, "'-1", lines[2])
	assert.Equal(t, "stu-1", lines[3])
}

func TestRenderPDFPaginatesLongRosters(t *testing.T) {
	data := Dataset{Title: "Large course", Headers: []string{"no", "student_id"}, Summary: "300 students enrolled"}
	for i := 1; i <= 300; i++ {
		data.Rows = append(data.Rows, map[string]string{"no": fmt.Sprint(i), "student_id": fmt.Sprintf("stu-%03d", i)})
	}
	file, err := Render(FormatPDF, "roster", data)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(file.Content, []byte("%PDF")))
	assert.Greater(t, bytes.Count(file.Content, []byte("/Type /Page\n")), 1)
}

func TestColumnWidthsFillPage(t *testing.T) {
	widths := columnWidths(Dataset{
		Headers: []string{"no", "student_id"},
		Rows:    []map[string]string{{"no": "1", "student_id": "a-much-longer-student-identifier"}},
	})
	require.Len(t, widths, 2)
	assert.InDelta(t, pageWidth, widths[0]+widths[1], 0.001)
	assert.Greater(t, widths[1], widths[0])
}
