package message

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// FormatMessage serializes msg as one BCP data line: one tab-separated
// field per "bcp"-tagged struct field in declaration order, with the
// line terminated by a newline instead of a final tab. A nil UUID or
// zero Timestamp is written as an empty field (the source's encoding
// of SQL NULL); an empty string is written as a single NUL byte to
// distinguish it from NULL.
func FormatMessage(msg interface{}) ([]byte, error) {
	v := reflect.ValueOf(msg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	var out []byte
	n := t.NumField()
	lastFieldIdx := -1
	for i := 0; i < n; i++ {
		if _, ok := t.Field(i).Tag.Lookup("bcp"); ok {
			lastFieldIdx = i
		}
	}

	for i := 0; i < n; i++ {
		f := t.Field(i)
		if _, ok := f.Tag.Lookup("bcp"); !ok {
			continue
		}
		fv := v.Field(i)

		var field []byte
		switch val := fv.Interface().(type) {
		case []byte:
			// Wave sample payload: a 4-byte little-endian length
			// prefix followed by the raw bytes; the prefix delimits
			// the field, so no trailing separator is appended.
			hdr := make([]byte, 4)
			binary.LittleEndian.PutUint32(hdr, uint32(len(val)))
			out = append(out, hdr...)
			out = append(out, val...)
			continue
		case bool:
			field = []byte(strconv.Itoa(boolToInt(val)))
		case uuid.UUID:
			if val == uuid.Nil {
				field = nil
			} else {
				field = []byte(strings.ToUpper(val.String()))
			}
		case tstamp.Timestamp:
			if val.IsZero() {
				field = nil
			} else {
				field = []byte(val.String())
			}
		case string:
			if val == "" {
				field = []byte{0}
			} else {
				field = []byte(val)
			}
		case int32:
			field = []byte(strconv.FormatInt(int64(val), 10))
		case int64:
			field = []byte(strconv.FormatInt(val, 10))
		case tstamp.SequenceNumber:
			field = []byte(strconv.FormatInt(int64(val), 10))
		default:
			return nil, fmt.Errorf("message: unsupported field type %T for %s", val, f.Name)
		}

		out = append(out, field...)
		if i != lastFieldIdx {
			out = append(out, '\t')
		}
	}
	out = append(out, '\n')
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FormatDescription generates a BCP '.fmt' format description for the
// type of msg, matching freebcp's expected layout: a version line, a
// column count, then one descriptor line per column giving its host
// file field number, SQL Server type, length markers, terminator, and
// destination column name.
func FormatDescription(msg interface{}) (string, error) {
	v := reflect.ValueOf(msg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	type col struct {
		fieldName string
		bcpName   string
	}
	var cols []col
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, ok := f.Tag.Lookup("bcp")
		if !ok {
			continue
		}
		cols = append(cols, col{f.Name, name})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "0.0\n%d\n", len(cols))
	for i, c := range cols {
		fmt.Fprintf(&b, "%d", i+1)
		switch {
		case c.fieldName == "WaveSamples":
			b.WriteString(` SYBBINARY 4 -1 "" `)
		case i == len(cols)-1:
			b.WriteString(` SYBCHAR 0 -1 "\n" `)
		default:
			b.WriteString(` SYBCHAR 0 -1 "\t" `)
		}
		fmt.Fprintf(&b, "%d %s \"\"\n", i+1, c.bcpName)
	}
	return b.String(), nil
}
