package transform

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Sternrassler/crm-bulk-etl/internal/testutil"
	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/rs/zerolog"
)

func TestNormalizeColumn(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Record Id", "Record_Id"},
		{"Created_Time", "Created_Time"},
		{"Año de creación", "Ano_de_creacion"},
		{"Teléfono", "Telefono"},
		{"Dirección (línea 1)", "Direccion__linea_1_"},
		{"Owner.name", "Owner_name"},
		{"\ufeffId", "Id"},
		{"Straße", "Strasse"},
		{"Æble", "AEble"},
		{"Søren Ødegård", "Soren_Odegard"},
		{"Łódź", "Lodz"},
		{"Œuvre", "OEuvre"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeColumn(tt.input); got != tt.want {
				t.Errorf("NormalizeColumn(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeColumns_Collisions(t *testing.T) {
	tests := []struct {
		header []string
		want   []string
	}{
		{
			header: []string{"Nombre", "Nómbre", "Email", "Nombre"},
			want:   []string{"Nombre", "Nombre_1", "Email", "Nombre_2"},
		},
		{
			header: []string{"Nombre", "Nombre", "Nombre_1"},
			want:   []string{"Nombre", "Nombre_1", "Nombre_1_1"},
		},
		{
			header: []string{"Nombre_1", "Nombre", "Nombre"},
			want:   []string{"Nombre_1", "Nombre", "Nombre_2"},
		},
	}

	for _, tt := range tests {
		got := NormalizeColumns(tt.header)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NormalizeColumns(%v) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestParseCSV_SuffixedHeaderKeepsEveryCell(t *testing.T) {
	ds, err := ParseCSV(strings.NewReader("Nombre,Nombre,Nombre_1\na,b,c\n"))
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}

	got := Concat(ds)
	if len(got.Columns) != 3 {
		t.Fatalf("Columns = %v, want 3 distinct columns", got.Columns)
	}
	if want := [][]string{{"a", "b", "c"}}; !reflect.DeepEqual(got.Rows, want) {
		t.Errorf("Rows = %v, want %v", got.Rows, want)
	}
}

func TestParsePayload(t *testing.T) {
	data := testutil.ZipCSV("Leads.csv", "Id,Last Name,Teléfono\n1,García,555\n2,\"Smith, Jr\",\n")

	ds, err := ParsePayload(data)
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}

	if want := []string{"Id", "Last_Name", "Telefono"}; !reflect.DeepEqual(ds.Columns, want) {
		t.Errorf("Columns = %v, want %v", ds.Columns, want)
	}
	want := [][]string{{"1", "García", "555"}, {"2", "Smith, Jr", ""}}
	if !reflect.DeepEqual(ds.Rows, want) {
		t.Errorf("Rows = %v, want %v", ds.Rows, want)
	}
}

func TestParsePayload_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "not a zip", data: []byte(`{"status":"error"}`)},
		{name: "header missing", data: testutil.ZipCSV("Leads.csv", ""), wantErr: ErrMissingHeader},
		{name: "ragged record", data: testutil.ZipCSV("Leads.csv", "a,b\n1,2,3\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := ParsePayload(tt.data)
			if err == nil {
				t.Fatalf("expected error, got dataset %+v", ds)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCSV_HeaderOnly(t *testing.T) {
	ds, err := ParseCSV(strings.NewReader("Id,Email\n"))
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}
	if len(ds.Columns) != 2 || !ds.Empty() {
		t.Errorf("dataset = %+v, want two columns and no rows", ds)
	}
}

func TestConcat(t *testing.T) {
	a := &Dataset{Columns: []string{"Id", "Email"}, Rows: [][]string{{"1", "a@x.io"}}}
	b := &Dataset{Columns: []string{"Id", "Phone"}, Rows: [][]string{{"2", "555"}, {"3", ""}}}

	got := Concat(a, nil, b)

	if want := []string{"Id", "Email", "Phone"}; !reflect.DeepEqual(got.Columns, want) {
		t.Errorf("Columns = %v, want %v", got.Columns, want)
	}
	want := [][]string{
		{"1", "a@x.io", ""},
		{"2", "", "555"},
		{"3", "", ""},
	}
	if !reflect.DeepEqual(got.Rows, want) {
		t.Errorf("Rows = %v, want %v", got.Rows, want)
	}
}

func TestTransformer_Transform(t *testing.T) {
	logger := zerolog.Nop()
	tr := New(&logger)

	payloads := []extract.Payload{
		{JobID: "j1", Seq: 1, Data: testutil.ZipCSV("Leads.csv", "Id,Email\n1,a@x.io\n2,b@x.io\n")},
		{JobID: "j2", Seq: 2, Data: []byte("not a zip")},
		{JobID: "j3", Seq: 3, Data: testutil.ZipCSV("Leads.csv", "Id,Email\n3,c@x.io\n")},
	}

	ds := tr.Transform(payloads)

	if ds.Len() != 3 {
		t.Fatalf("rows = %d, want 3 (bad payload skipped)", ds.Len())
	}
	if ds.Rows[2][0] != "3" {
		t.Errorf("last row = %v, payload order not kept", ds.Rows[2])
	}
}

func TestTransformer_TransformEmpty(t *testing.T) {
	logger := zerolog.Nop()
	tr := New(&logger)

	if ds := tr.Transform(nil); !ds.Empty() || len(ds.Columns) != 0 {
		t.Errorf("Transform(nil) = %+v, want empty dataset", ds)
	}

	bad := []extract.Payload{{JobID: "j1", Data: []byte("garbage")}}
	if ds := tr.Transform(bad); !ds.Empty() {
		t.Errorf("Transform(unparseable) = %+v, want empty dataset", ds)
	}
}
