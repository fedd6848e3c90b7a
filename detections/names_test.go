package detections

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// fakeModelProto returns a serialized ModelProto carrying the given metadata
// and a placeholder graph.
func fakeModelProto(props map[string]string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType) // ir_version
	b = protowire.AppendVarint(b, 9)
	b = protowire.AppendTag(b, 2, protowire.BytesType) // producer_name
	b = protowire.AppendString(b, "pytorch")
	b = protowire.AppendTag(b, 7, protowire.BytesType) // graph
	b = protowire.AppendBytes(b, []byte{0x0a, 0x03, 'a', 'b', 'c'})

	for k, v := range props {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, v)

		b = protowire.AppendTag(b, modelProtoMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func TestReadModelMetadata(t *testing.T) {
	raw := fakeModelProto(map[string]string{
		"names":  "{0: 'scratch', 1: 'dent'}",
		"stride": "32",
	})

	props, err := readModelMetadata(raw)
	if err != nil {
		t.Fatalf("readModelMetadata: %v", err)
	}
	if props["names"] != "{0: 'scratch', 1: 'dent'}" || props["stride"] != "32" {
		t.Errorf("unexpected metadata: %v", props)
	}
}

func TestReadModelMetadataTruncated(t *testing.T) {
	raw := fakeModelProto(map[string]string{"names": "{0: 'a'}"})
	if _, err := readModelMetadata(raw[:len(raw)-3]); err == nil {
		t.Fatal("expected error for truncated model")
	}
}

func TestParseNamesMetadata(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClassNames
	}{
		{"single quotes", "{0: 'person', 1: 'bicycle', 2: 'car'}", ClassNames{"person", "bicycle", "car"}},
		{"double quotes", `{0: "driver's seat", 1: 'wheel'}`, ClassNames{"driver's seat", "wheel"}},
		{"escaped quote", `{0: 'it\'s'}`, ClassNames{"it's"}},
		{"sparse", "{0: 'a', 2: 'c'}", ClassNames{"a", "", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNamesMetadata(tt.raw)
			if err != nil {
				t.Fatalf("parseNamesMetadata: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := parseNamesMetadata("not a dict"); err == nil {
		t.Error("expected error for malformed names")
	}
}

func TestClassNamesName(t *testing.T) {
	names := ClassNames{"scratch", ""}
	if got := names.Name(0); got != "scratch" {
		t.Errorf("Name(0) = %q", got)
	}
	if got := names.Name(1); got != "class_1" {
		t.Errorf("Name(1) = %q, want generated name", got)
	}
	if got := names.Name(7); got != "class_7" {
		t.Errorf("Name(7) = %q, want generated name", got)
	}
}

func TestLoadLabelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte("scratch\r\ndent\n crack \n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := loadLabelsFile(path)
	if err != nil {
		t.Fatalf("loadLabelsFile: %v", err)
	}
	if want := (ClassNames{"scratch", "dent", "crack"}); !reflect.DeepEqual(names, want) {
		t.Errorf("got %q, want %q", names, want)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadLabelsFile(empty); err == nil {
		t.Error("expected error for empty labels file")
	}
}

func TestResolveClassNamesPrecedence(t *testing.T) {
	model := fakeModelProto(map[string]string{"names": "{0: 'from_metadata'}"})

	names, source, err := resolveClassNames("", model)
	if err != nil || source != "model_metadata" || names.Name(0) != "from_metadata" {
		t.Errorf("metadata: names=%q source=%q err=%v", names, source, err)
	}

	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte("from_file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	names, source, err = resolveClassNames(path, model)
	if err != nil || source != "labels_file" || names.Name(0) != "from_file" {
		t.Errorf("labels file: names=%q source=%q err=%v", names, source, err)
	}

	names, source, err = resolveClassNames("", fakeModelProto(nil))
	if err != nil || source != "generated" || names.Name(3) != "class_3" {
		t.Errorf("generated: names=%q source=%q err=%v", names, source, err)
	}
}
