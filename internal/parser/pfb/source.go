// Package pfb reads Portable Format for Biomedical data: an Avro object
// container of entities {id, name, object, relations}.
package pfb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/shopspring/decimal"

	"recordstore/internal/record"
)

// Pass selects which half of each entity a Source yields.
type Pass int

const (
	// BasePass yields the object attributes minus relation fields.
	BasePass Pass = iota
	// RelationsPass yields only the relation attributes. It must run after
	// the base pass so that every target type exists.
	RelationsPass
)

func (p Pass) String() string {
	if p == RelationsPass {
		return "relations"
	}
	return "base"
}

// MetadataEntity names the schema entity every PFB file starts with.
const MetadataEntity = "Metadata"

var primitives = map[string]bool{
	"null": true, "boolean": true, "int": true, "long": true, "float": true,
	"double": true, "bytes": true, "string": true, "array": true, "map": true,
}

// Source yields UPSERT batches of PFB entities. A batch may mix record
// types.
type Source struct {
	rc    io.ReadCloser
	ocf   *goavro.OCFReader
	pass  Pass
	named map[string]bool
	n     int
}

// NewSource reads the container header. On error the reader is closed.
func NewSource(rc io.ReadCloser, pass Pass) (*Source, error) {
	ocf, err := goavro.NewOCFReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, record.Parsef("pfb: read container header: %v", err)
	}
	named, err := namedTypes(ocf.Codec().Schema())
	if err != nil {
		_ = rc.Close()
		return nil, record.Parsef("pfb: read schema: %v", err)
	}
	return &Source{rc: rc, ocf: ocf, pass: pass, named: named}, nil
}

// ReadBatch implements record.Source.
func (s *Source) ReadBatch(ctx context.Context, maxSize int) (record.Batch, error) {
	if maxSize <= 0 {
		return record.Batch{}, fmt.Errorf("pfb: batch size must be positive, got %d", maxSize)
	}
	b := record.Batch{Op: record.Upsert}
	for len(b.Records) < maxSize && s.ocf.Scan() {
		if err := ctx.Err(); err != nil {
			return record.Batch{}, err
		}
		s.n++
		datum, err := s.ocf.Read()
		if err != nil {
			return record.Batch{}, record.Parsef("pfb: entity %d: %v", s.n, err)
		}
		rec, ok, err := s.entity(datum)
		if err != nil {
			return record.Batch{}, err
		}
		if ok {
			b.Records = append(b.Records, rec)
		}
	}
	if err := s.ocf.Err(); err != nil {
		return record.Batch{}, record.Parsef("pfb: entity %d: %v", s.n, err)
	}
	return b, nil
}

type link struct {
	target record.RecordType
	id     string
}

// entity converts one datum. ok is false for entities the pass skips.
func (s *Source) entity(datum any) (rec record.Record, ok bool, err error) {
	m, isMap := datum.(map[string]any)
	if !isMap {
		return rec, false, record.Parsef("pfb: entity %d is a %T, not a record", s.n, datum)
	}
	name, _ := s.unwrap(m["name"]).(string)
	if name == "" {
		return rec, false, record.Parsef("pfb: entity %d has no name", s.n)
	}
	if name == MetadataEntity {
		return rec, false, nil
	}
	id, _ := s.unwrap(m["id"]).(string)
	if strings.TrimSpace(id) == "" {
		return rec, false, record.Parsef("pfb: %s entity %d has no id", name, s.n)
	}
	links, err := s.relations(m["relations"])
	if err != nil {
		return rec, false, err
	}

	rec = record.New(record.RecordType(name), id)
	if s.pass == RelationsPass {
		if len(links) == 0 {
			return rec, false, nil
		}
		grouped := map[record.RecordType][]record.Value{}
		for _, l := range links {
			grouped[l.target] = append(grouped[l.target], record.Relation(record.Reference{Type: l.target, ID: l.id}))
		}
		for target, refs := range grouped {
			if len(refs) == 1 {
				rec.Attributes[string(target)] = refs[0]
			} else {
				rec.Attributes[string(target)] = record.List(refs...)
			}
		}
		return rec, true, nil
	}

	obj, isObj := s.unwrap(m["object"]).(map[string]any)
	if !isObj {
		return rec, false, record.Parsef("pfb: %s/%s: object is not a record", name, id)
	}
	skip := make(map[string]bool, len(links))
	for _, l := range links {
		skip[string(l.target)] = true
	}
	for k, v := range obj {
		if skip[k] {
			continue
		}
		rec.Attributes[k] = s.value(v)
	}
	return rec, true, nil
}

func (s *Source) relations(raw any) ([]link, error) {
	items, _ := s.unwrap(raw).([]any)
	out := make([]link, 0, len(items))
	for _, it := range items {
		rm, ok := s.unwrap(it).(map[string]any)
		if !ok {
			return nil, record.Parsef("pfb: entity %d: relation is a %T, not a record", s.n, it)
		}
		dstName, _ := s.unwrap(rm["dst_name"]).(string)
		dstID, _ := s.unwrap(rm["dst_id"]).(string)
		if dstName == "" || dstID == "" {
			return nil, record.Parsef("pfb: entity %d: relation needs dst_name and dst_id", s.n)
		}
		out = append(out, link{target: record.RecordType(dstName), id: dstID})
	}
	return out, nil
}

// unwrap strips goavro's union encoding, a single-entry map keyed by the
// branch's type name.
func (s *Source) unwrap(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	for k, inner := range m {
		base, _, _ := strings.Cut(k, ".")
		if s.named[k] || primitives[base] && !s.named[base] {
			return inner
		}
	}
	return v
}

func (s *Source) value(v any) record.Value {
	switch t := s.unwrap(v).(type) {
	case nil:
		return record.Null()
	case string:
		return record.Text(t)
	case []byte:
		return record.Text(string(t))
	case bool:
		return record.Bool(t)
	case int32:
		return record.Int(int64(t))
	case int64:
		return record.Int(t)
	case int:
		return record.Int(int64(t))
	case float32:
		return floatValue(float64(t))
	case float64:
		return floatValue(t)
	case *big.Rat:
		d, err := decimal.NewFromString(t.FloatString(18))
		if err != nil {
			return record.Text(t.String())
		}
		return record.Number(d)
	case time.Time:
		return record.DateTime(t.UTC())
	case []any:
		vs := make([]record.Value, len(t))
		for i, it := range t {
			vs[i] = s.value(it)
		}
		return record.List(vs...)
	case map[string]any:
		raw, err := json.Marshal(s.plain(t))
		if err != nil {
			return record.Text(fmt.Sprint(t))
		}
		j, err := record.JSON(string(raw))
		if err != nil {
			return record.Text(string(raw))
		}
		return j
	default:
		return record.Text(fmt.Sprint(t))
	}
}

func floatValue(f float64) record.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return record.Text(fmt.Sprint(f))
	}
	return record.Number(decimal.NewFromFloat(f))
}

// plain converts a nested datum into values encoding/json can render.
func (s *Source) plain(v any) any {
	switch t := s.unwrap(v).(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = s.plain(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = s.plain(inner)
		}
		return out
	case []byte:
		return string(t)
	case *big.Rat:
		return json.Number(t.FloatString(18))
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return t
	}
}

// Close releases the underlying reader.
func (s *Source) Close() error {
	return s.rc.Close()
}

// namedTypes collects the full names of every record, enum and fixed type
// declared in an Avro schema, which is how goavro keys union branches.
func namedTypes(schema string) (map[string]bool, error) {
	var root any
	if err := json.Unmarshal([]byte(schema), &root); err != nil {
		return nil, err
	}
	out := map[string]bool{}
	collectNamed(root, "", out)
	return out, nil
}

func collectNamed(node any, ns string, out map[string]bool) {
	switch n := node.(type) {
	case []any:
		for _, it := range n {
			collectNamed(it, ns, out)
		}
	case map[string]any:
		switch typ := n["type"].(type) {
		case string:
			switch typ {
			case "record", "error", "enum", "fixed":
				name, _ := n["name"].(string)
				if v, ok := n["namespace"].(string); ok {
					ns = v
				}
				full := name
				if i := strings.LastIndex(name, "."); i >= 0 {
					ns = name[:i]
				} else if ns != "" {
					full = ns + "." + name
				}
				out[full] = true
				if fields, ok := n["fields"].([]any); ok {
					for _, f := range fields {
						if fm, ok := f.(map[string]any); ok {
							collectNamed(fm["type"], ns, out)
						}
					}
				}
			case "array":
				collectNamed(n["items"], ns, out)
			case "map":
				collectNamed(n["values"], ns, out)
			}
		default:
			collectNamed(typ, ns, out)
		}
	}
}

var _ record.Source = (*Source)(nil)
