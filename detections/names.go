package detections

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelProtoMetadataProps protowire.Number = 14
	entryKey                protowire.Number = 1
	entryValue              protowire.Number = 2
)

const namesMetadataKey = "names"

var namesEntryPattern = regexp.MustCompile(`(\d+)\s*:\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)")`)

// ClassNames maps class indices to labels.
type ClassNames []string

func (n ClassNames) Name(classID int) string {
	if classID >= 0 && classID < len(n) && n[classID] != "" {
		return n[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// loadLabelsFile reads one class name per line.
func loadLabelsFile(path string) (ClassNames, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read labels file: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\r\n\t "), "\n")
	names := make(ClassNames, 0, len(lines))
	for _, line := range lines {
		names = append(names, strings.TrimSpace(line))
	}
	if len(names) == 1 && names[0] == "" {
		return nil, xerrors.Errorf("labels file %s is empty", path)
	}
	return names, nil
}

// readModelMetadata returns the metadata_props of a serialized ONNX
// ModelProto without decoding the graph.
func readModelMetadata(model []byte) (map[string]string, error) {
	props := make(map[string]string)
	b := model
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, xerrors.Errorf("parse model tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num == modelProtoMetadataProps && typ == protowire.BytesType {
			entry, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, xerrors.Errorf("parse metadata entry: %w", protowire.ParseError(m))
			}
			key, value, err := parseMetadataEntry(entry)
			if err != nil {
				return nil, err
			}
			props[key] = value
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, xerrors.Errorf("skip model field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return props, nil
}

func parseMetadataEntry(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", xerrors.Errorf("parse metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.BytesType && (num == entryKey || num == entryValue) {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return "", "", xerrors.Errorf("parse metadata field: %w", protowire.ParseError(m))
			}
			if num == entryKey {
				key = string(v)
			} else {
				value = string(v)
			}
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return "", "", xerrors.Errorf("skip metadata field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return key, value, nil
}

// parseNamesMetadata understands the dict literal the YOLO exporter stores,
// e.g. {0: 'person', 1: "driver's seat"}.
func parseNamesMetadata(raw string) (ClassNames, error) {
	matches := namesEntryPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, xerrors.Errorf("no class names in metadata %q", raw)
	}

	byIndex := make(map[int]string, len(matches))
	maxIndex := -1
	for _, m := range matches {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, xerrors.Errorf("class index %q: %w", m[1], err)
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		byIndex[idx] = unescapeName(name)
		maxIndex = max(maxIndex, idx)
	}

	names := make(ClassNames, maxIndex+1)
	for idx, name := range byIndex {
		names[idx] = name
	}
	return names, nil
}

func unescapeName(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// resolveClassNames picks the labels file, then model metadata, then nil so
// that generated names are used.
func resolveClassNames(labelsPath string, model []byte) (ClassNames, string, error) {
	if labelsPath != "" {
		names, err := loadLabelsFile(labelsPath)
		if err != nil {
			return nil, "", err
		}
		return names, "labels_file", nil
	}

	props, err := readModelMetadata(model)
	if err != nil {
		return nil, "", err
	}
	if raw, ok := props[namesMetadataKey]; ok {
		names, err := parseNamesMetadata(raw)
		if err != nil {
			return nil, "", err
		}
		return names, "model_metadata", nil
	}

	return nil, "generated", nil
}
