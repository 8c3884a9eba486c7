package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/entity-resolver/internal/model"
)

var retrieved = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		TenantID:    "acme",
		Source:      "hubspot-export",
		Tier:        model.TierFirstPartyVerified,
		RetrievedAt: retrieved,
	}
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "contacts.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestStreamCSV_Basic(t *testing.T) {
	input := "\ufeffEmail,First Name,Last Name,Company\n" +
		"jane@acme.com,Jane,Doe,Acme Inc\n" +
		" , , , \n" +
		"bob@corp.io,Bob,,\n"

	obs, err := Collect(StreamCSV(context.Background(), strings.NewReader(input), testOptions()))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, map[string]string{
		"Email":      "jane@acme.com",
		"First Name": "Jane",
		"Last Name":  "Doe",
		"Company":    "Acme Inc",
	}, obs[0].Raw)
	assert.Equal(t, "acme", obs[0].TenantID)
	assert.Equal(t, "hubspot-export", obs[0].Source)
	assert.Equal(t, model.TierFirstPartyVerified, obs[0].Tier)
	assert.Equal(t, retrieved, obs[0].RetrievedAt)
	assert.Empty(t, obs[0].ID)

	// Blank cells are dropped.
	assert.Equal(t, map[string]string{"Email": "bob@corp.io", "First Name": "Bob"}, obs[1].Raw)
}

func TestStreamCSV_ShortAndLongRows(t *testing.T) {
	input := "email,name\njane@acme.com\nbob@corp.io,Bob,extra\n"

	obs, err := Collect(StreamCSV(context.Background(), strings.NewReader(input), testOptions()))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, map[string]string{"email": "jane@acme.com"}, obs[0].Raw)
	assert.Equal(t, map[string]string{"email": "bob@corp.io", "name": "Bob"}, obs[1].Raw)
}

func TestStreamCSV_RepeatedColumn(t *testing.T) {
	input := "email,email\n,jane@acme.com\n"

	obs, err := Collect(StreamCSV(context.Background(), strings.NewReader(input), testOptions()))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "jane@acme.com", obs[0].Raw["email"])
}

func TestStreamCSV_Empty(t *testing.T) {
	obs, err := Collect(StreamCSV(context.Background(), strings.NewReader(""), testOptions()))
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(StreamCSV(ctx, strings.NewReader("email\na@b.com\n"), testOptions()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestStreamJSON(t *testing.T) {
	input := `[
		{"email": "jane@acme.com", "name": "Jane Doe", "tags": ["vip", "partner"], "score": 42, "active": true, "address": {"city": "Austin"}},
		{"email": null},
		{"linkedin": "linkedin.com/in/bob"}
	]`

	obs, err := Collect(StreamJSON(context.Background(), strings.NewReader(input), testOptions()))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, map[string]string{
		"email":  "jane@acme.com",
		"name":   "Jane Doe",
		"tags":   "vip,partner",
		"score":  "42",
		"active": "true",
	}, obs[0].Raw)
	assert.Equal(t, map[string]string{"linkedin": "linkedin.com/in/bob"}, obs[1].Raw)
}

func TestStreamJSON_NotArray(t *testing.T) {
	_, err := Collect(StreamJSON(context.Background(), strings.NewReader(`{"email":"a@b.com"}`), testOptions()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestStreamJSON_BadElement(t *testing.T) {
	obs, err := Collect(StreamJSON(context.Background(), strings.NewReader(`[{"email":"a@b.com"}, 7]`), testOptions()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode element 1")
	assert.Len(t, obs, 1)
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Contacts": {
			{"Email Address", "Full Name", "Mobile"},
			{"jane@acme.com", "Jane Doe", "+44 20 7946 0958"},
			{"", "", ""},
			{"bob@corp.io", "Bob Smith"},
		},
	})

	obs, err := ReadXLSX(context.Background(), path, testOptions())
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, map[string]string{
		"Email Address": "jane@acme.com",
		"Full Name":     "Jane Doe",
		"Mobile":        "+44 20 7946 0958",
	}, obs[0].Raw)
	assert.Equal(t, "Bob Smith", obs[1].Raw["Full Name"])
}

func TestReadXLSX_SheetName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"First":  {{"email"}, {"a@b.com"}},
		"Second": {{"email"}, {"x@y.com"}, {"z@y.com"}},
	})

	opts := testOptions()
	opts.SheetName = "Second"
	obs, err := ReadXLSX(context.Background(), path, opts)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "x@y.com", obs[0].Raw["email"])

	opts.SheetName = "Missing"
	_, err = ReadXLSX(context.Background(), path, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Missing" not found`)
}

func TestReadFile_DetectsFormat(t *testing.T) {
	csvPath := writeTestFile(t, "contacts.csv", "email\njane@acme.com\n")
	tsvPath := writeTestFile(t, "contacts.tsv", "email\tname\njane@acme.com\tJane\n")
	jsonPath := writeTestFile(t, "contacts.json", `[{"email":"jane@acme.com"}]`)
	xlsxPath := createTestXLSX(t, map[string][][]string{"Sheet1": {{"email"}, {"jane@acme.com"}}})

	for _, path := range []string{csvPath, tsvPath, jsonPath, xlsxPath} {
		obs, err := ReadFile(context.Background(), path, testOptions())
		require.NoError(t, err, path)
		require.Len(t, obs, 1, path)
		assert.Equal(t, "jane@acme.com", obs[0].Raw["email"], path)
	}

	obs, err := ReadFile(context.Background(), tsvPath, testOptions())
	require.NoError(t, err)
	assert.Equal(t, "Jane", obs[0].Raw["name"])
}

func TestReadFile_FormatOverride(t *testing.T) {
	path := writeTestFile(t, "export.dat", `[{"email":"jane@acme.com"}]`)

	_, err := ReadFile(context.Background(), path, testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot detect format")

	opts := testOptions()
	opts.Format = FormatJSON
	obs, err := ReadFile(context.Background(), path, opts)
	require.NoError(t, err)
	assert.Len(t, obs, 1)
}

func TestReadFile_ValidatesOptions(t *testing.T) {
	path := writeTestFile(t, "contacts.csv", "email\njane@acme.com\n")

	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr string
	}{
		{"tenant", func(o *Options) { o.TenantID = "" }, "tenant is required"},
		{"source", func(o *Options) { o.Source = "" }, "source is required"},
		{"tier", func(o *Options) { o.Tier = "trusted" }, `unknown trust tier "trusted"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			_, err := ReadFile(context.Background(), path, opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: open")
}
