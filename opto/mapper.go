package opto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ChannelType selects which frame array a selection reads from.
type ChannelType int

const (
	ChannelFloat ChannelType = iota
	ChannelInteger
	ChannelDigital
)

// String returns the configuration name of the channel type.
func (t ChannelType) String() string {
	switch t {
	case ChannelFloat:
		return "float"
	case ChannelInteger:
		return "integer"
	case ChannelDigital:
		return "digital"
	default:
		return fmt.Sprintf("ChannelType(%d)", int(t))
	}
}

// ParseChannelType accepts the configuration names, case-insensitively.
// An empty name means float.
func ParseChannelType(s string) (ChannelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float":
		return ChannelFloat, nil
	case "integer", "int":
		return ChannelInteger, nil
	case "digital", "bool":
		return ChannelDigital, nil
	default:
		return ChannelFloat, fmt.Errorf("unknown channel type %q", s)
	}
}

// ChannelSelection names one channel of a frame.
type ChannelSelection struct {
	Name  string
	Type  ChannelType
	Index int
}

// Field is one named value in a Record.
type Field struct {
	Name  string
	Value interface{} // float32, nil (float with no value), uint32 or bool
}

// Record is an ordered name to value mapping built from one frame.
// Setting an existing name replaces its value in place.
type Record struct {
	Time   time.Time
	fields []Field
	pos    map[string]int
}

// NewRecord returns an empty record stamped with t.
func NewRecord(t time.Time) *Record {
	return &Record{Time: t, pos: make(map[string]int)}
}

// Set stores v under name.
func (r *Record) Set(name string, v interface{}) {
	if r.pos == nil {
		r.pos = make(map[string]int)
	}
	if i, ok := r.pos[name]; ok {
		r.fields[i].Value = v
		return
	}
	r.pos[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (interface{}, bool) {
	i, ok := r.pos[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Fields returns a copy of the fields in insertion order.
func (r *Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// MarshalJSON encodes the record as a JSON object in field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := MarshalValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalValue encodes a single field value. Non-finite floats become the
// strings "NaN", "+Inf" and "-Inf".
func MarshalValue(v interface{}) ([]byte, error) {
	if f, ok := v.(float32); ok {
		switch {
		case math.IsNaN(float64(f)):
			return []byte(`"NaN"`), nil
		case math.IsInf(float64(f), 1):
			return []byte(`"+Inf"`), nil
		case math.IsInf(float64(f), -1):
			return []byte(`"-Inf"`), nil
		}
	}
	return json.Marshal(v)
}

// Map builds a record from the selected channels of f. Selections whose
// index falls outside the frame are skipped.
func Map(f *Frame, selections []ChannelSelection) *Record {
	rec := NewRecord(time.Now())
	for _, sel := range selections {
		if sel.Index < 0 || sel.Index >= ChannelCount {
			continue
		}
		switch sel.Type {
		case ChannelFloat:
			if v := f.Floats[sel.Index]; v.Valid {
				rec.Set(sel.Name, v.Float32)
			} else {
				rec.Set(sel.Name, nil)
			}
		case ChannelInteger:
			rec.Set(sel.Name, f.Ints[sel.Index])
		case ChannelDigital:
			rec.Set(sel.Name, f.Digitals[sel.Index])
		}
	}
	return rec
}
