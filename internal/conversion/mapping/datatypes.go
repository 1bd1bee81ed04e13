package mapping

import (
	"strconv"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// AuthorityPrefix marks identifier systems built from a CX assigning
// authority namespace.
const AuthorityPrefix = "urn:hl7v2:authority:"

// IdentifierTypeSystem is the code system of CX-5.
const IdentifierTypeSystem = "http://terminology.hl7.org/CodeSystem/v2-0203"

// Identifier reads repetition rep of a CX field.
func Identifier(seg *hl7v2.Segment, field, rep int) (fhir.Identifier, bool) {
	value := seg.Get(field, rep, 1, 1)
	if value == "" {
		return fhir.Identifier{}, false
	}
	id := fhir.Identifier{Value: value}
	switch ns, uid, kind := seg.Get(field, rep, 4, 1), seg.Get(field, rep, 4, 2), seg.Get(field, rep, 4, 3); {
	case uid != "" && strings.EqualFold(kind, "ISO"):
		id.System = "urn:oid:" + uid
	case ns != "":
		id.System = AuthorityPrefix + ns
	}
	if t := seg.Get(field, rep, 5, 1); t != "" {
		id.Type = &fhir.CodeableConcept{Coding: []fhir.Coding{{System: IdentifierTypeSystem, Code: t}}}
		if t == "MR" {
			id.Use = "usual"
		}
	}
	return id, true
}

// Identifiers reads every repetition of a CX field.
func Identifiers(seg *hl7v2.Segment, field int) []fhir.Identifier {
	var out []fhir.Identifier
	for r := 0; r < seg.RepetitionCount(field); r++ {
		if id, ok := Identifier(seg, field, r); ok {
			out = append(out, id)
		}
	}
	return out
}

// EntityIdentifier reads an EI field (placer and filler numbers).
func EntityIdentifier(seg *hl7v2.Segment, field int) (fhir.Identifier, bool) {
	value := seg.Get(field, 0, 1, 1)
	if value == "" {
		return fhir.Identifier{}, false
	}
	id := fhir.Identifier{Value: value}
	if ns := seg.Get(field, 0, 2, 1); ns != "" {
		id.System = AuthorityPrefix + ns
	}
	return id, true
}

// Name reads repetition rep of an XPN field.
func Name(seg *hl7v2.Segment, field, rep int) (fhir.HumanName, bool) {
	n := fhir.HumanName{
		Family: seg.Get(field, rep, 1, 1),
		Use:    NameUse.ToFHIR(seg.Get(field, rep, 7, 1)),
	}
	for _, c := range []int{2, 3} {
		if g := seg.Get(field, rep, c, 1); g != "" {
			n.Given = append(n.Given, g)
		}
	}
	if s := seg.Get(field, rep, 4, 1); s != "" {
		n.Suffix = []string{s}
	}
	if p := seg.Get(field, rep, 5, 1); p != "" {
		n.Prefix = []string{p}
	}
	if n.Family == "" && len(n.Given) == 0 {
		return fhir.HumanName{}, false
	}
	return n, true
}

// Names reads every repetition of an XPN field.
func Names(seg *hl7v2.Segment, field int) []fhir.HumanName {
	var out []fhir.HumanName
	for r := 0; r < seg.RepetitionCount(field); r++ {
		if n, ok := Name(seg, field, r); ok {
			out = append(out, n)
		}
	}
	return out
}

// Address reads repetition rep of an XAD field.
func Address(seg *hl7v2.Segment, field, rep int) (fhir.Address, bool) {
	a := fhir.Address{
		City:       seg.Get(field, rep, 3, 1),
		State:      seg.Get(field, rep, 4, 1),
		PostalCode: seg.Get(field, rep, 5, 1),
		Country:    seg.Get(field, rep, 6, 1),
		Use:        AddressUse.ToFHIR(seg.Get(field, rep, 7, 1)),
		District:   seg.Get(field, rep, 9, 1),
	}
	for _, c := range []int{1, 2} {
		if l := seg.Get(field, rep, c, 1); l != "" {
			a.Line = append(a.Line, l)
		}
	}
	if strings.EqualFold(seg.Get(field, rep, 7, 1), "M") {
		a.Type = "postal"
	}
	if len(a.Line) == 0 && a.City == "" && a.State == "" && a.PostalCode == "" && a.Country == "" {
		return fhir.Address{}, false
	}
	return a, true
}

// Addresses reads every repetition of an XAD field.
func Addresses(seg *hl7v2.Segment, field int) []fhir.Address {
	var out []fhir.Address
	for r := 0; r < seg.RepetitionCount(field); r++ {
		if a, ok := Address(seg, field, r); ok {
			out = append(out, a)
		}
	}
	return out
}

// Telecom reads repetition rep of an XTN field. The composed number
// (XTN-6, XTN-7) is used when XTN-1 is empty; XTN-4 carries email.
func Telecom(seg *hl7v2.Segment, field, rep int, use string) (fhir.ContactPoint, bool) {
	cp := fhir.ContactPoint{
		System: TelecomSystem.ToFHIR(seg.Get(field, rep, 3, 1)),
		Use:    TelecomUse.ToFHIR(seg.Get(field, rep, 2, 1)),
		Value:  seg.Get(field, rep, 1, 1),
	}
	if cp.Use == "" {
		cp.Use = use
	}
	if email := seg.Get(field, rep, 4, 1); email != "" && (cp.Value == "" || cp.System == "email") {
		cp.System, cp.Value = "email", email
	}
	if cp.Value == "" {
		area, local := seg.Get(field, rep, 6, 1), seg.Get(field, rep, 7, 1)
		switch {
		case area != "" && local != "":
			cp.Value = "(" + area + ")" + local
		case local != "":
			cp.Value = local
		}
	}
	if cp.Value == "" {
		return fhir.ContactPoint{}, false
	}
	if cp.System == "" {
		cp.System = "phone"
	}
	return cp, true
}

// Telecoms reads every repetition of an XTN field with a default use.
func Telecoms(seg *hl7v2.Segment, field int, use string) []fhir.ContactPoint {
	var out []fhir.ContactPoint
	for r := 0; r < seg.RepetitionCount(field); r++ {
		if cp, ok := Telecom(seg, field, r, use); ok {
			out = append(out, cp)
		}
	}
	return out
}

// Concept reads repetition rep of a CE/CWE field, including the alternate
// triplet in components 4 to 6. A field with only text yields a concept
// with text and no coding.
func Concept(seg *hl7v2.Segment, field, rep int) (*fhir.CodeableConcept, bool) {
	cc := &fhir.CodeableConcept{}
	for _, base := range []int{1, 4} {
		code := seg.Get(field, rep, base, 1)
		display := seg.Get(field, rep, base+1, 1)
		if code == "" {
			if base == 1 && display != "" {
				cc.Text = display
			}
			continue
		}
		cc.Coding = append(cc.Coding, fhir.Coding{
			System:  SystemURI(seg.Get(field, rep, base+2, 1)),
			Code:    code,
			Display: display,
		})
	}
	if t := seg.Get(field, rep, 9, 1); t != "" {
		cc.Text = t
	}
	if cc.IsZero() {
		return nil, false
	}
	return cc, true
}

// Concepts reads every repetition of a CE/CWE field.
func Concepts(seg *hl7v2.Segment, field int) []fhir.CodeableConcept {
	var out []fhir.CodeableConcept
	for r := 0; r < seg.RepetitionCount(field); r++ {
		if cc, ok := Concept(seg, field, r); ok {
			out = append(out, *cc)
		}
	}
	return out
}

// TableConcept reads a coded field through a code table, returning a
// concept in the table system.
func TableConcept(seg *hl7v2.Segment, field int, t *Table) (*fhir.CodeableConcept, bool) {
	code, ok := t.Lookup(seg.Get(field, 0, 1, 1))
	if !ok {
		return nil, false
	}
	return &fhir.CodeableConcept{Coding: []fhir.Coding{{
		System:  t.System,
		Code:    code,
		Display: seg.Get(field, 0, 2, 1),
	}}}, true
}

// Person reads repetition rep of an XCN field as a display-only reference.
// Practitioners are not emitted as records, so no literal reference is set.
func Person(seg *hl7v2.Segment, field, rep int) (*fhir.Reference, bool) {
	family, given := seg.Get(field, rep, 2, 1), seg.Get(field, rep, 3, 1)
	display := strings.TrimSpace(strings.Join(nonEmpty(seg.Get(field, rep, 6, 1), given, family), " "))
	if display == "" {
		display = seg.Get(field, rep, 1, 1)
	}
	if display == "" {
		return nil, false
	}
	return &fhir.Reference{Display: display}, true
}

// Number parses an NM value.
func Number(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Structured reads an SN value: comparator, first number, separator,
// second number. Ranges and ratios come back as text.
func Structured(seg *hl7v2.Segment, field, rep int) (q *fhir.Quantity, text string) {
	cmp, n1 := seg.Get(field, rep, 1, 1), seg.Get(field, rep, 2, 1)
	sep, n2 := seg.Get(field, rep, 3, 1), seg.Get(field, rep, 4, 1)
	if sep != "" || n2 != "" {
		return nil, strings.Join(nonEmpty(cmp, n1, sep, n2), "")
	}
	v, ok := Number(n1)
	if !ok {
		return nil, ""
	}
	q = &fhir.Quantity{Value: &v}
	switch cmp {
	case "<", "<=", ">", ">=":
		q.Comparator = cmp
	}
	return q, ""
}

// Range parses an OBX-7 reference range such as "3.5-5.0", "<10" or ">2".
func Range(s string) (fhir.ReferenceRange, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fhir.ReferenceRange{}, false
	}
	rr := fhir.ReferenceRange{Text: s}
	switch {
	case strings.HasPrefix(s, "<"):
		if v, ok := Number(strings.TrimLeft(s, "<=")); ok {
			rr.High = &fhir.Quantity{Value: &v}
		}
	case strings.HasPrefix(s, ">"):
		if v, ok := Number(strings.TrimLeft(s, ">=")); ok {
			rr.Low = &fhir.Quantity{Value: &v}
		}
	default:
		if i := strings.Index(s[1:], "-"); i >= 0 {
			lo, okLo := Number(s[:i+1])
			hi, okHi := Number(s[i+2:])
			if okLo && okHi {
				rr.Low, rr.High = &fhir.Quantity{Value: &lo}, &fhir.Quantity{Value: &hi}
			}
		}
	}
	return rr, true
}

// FormatNumber renders a quantity value without trailing zeros.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Target writes leaves into one segment of an outbound tree. Every write is
// additive: empty values are ignored, so absent source data never clears a
// populated location.
type Target struct {
	Segment *hl7v2.Segment
	Path    hl7v2.Path
}

// NewTarget ensures the segment at path exists in t and returns a writer
// for it.
func NewTarget(t *hl7v2.Tree, path hl7v2.Path) (*Target, error) {
	seg, err := t.Root.Ensure(path.Steps)
	if err != nil {
		return nil, err
	}
	return &Target{Segment: seg, Path: path}, nil
}

// Set writes value at the addressed leaf when value is non-empty.
func (w *Target) Set(field, rep, comp, sub int, value string) {
	if value == "" {
		return
	}
	w.Segment.Set(field, rep, comp, sub, value)
}

// Put writes value at the first component of field.
func (w *Target) Put(field int, value string) { w.Set(field, 0, 1, 1, value) }

// NextRep returns the first repetition of field with no content.
func (w *Target) NextRep(field int) int {
	n := w.Segment.RepetitionCount(field)
	for n > 0 && w.Segment.IsEmptyRep(field, n-1) {
		n--
	}
	return n
}

// PutIdentifier writes a CX repetition.
func (w *Target) PutIdentifier(field, rep int, id fhir.Identifier) {
	if id.Value == "" {
		return
	}
	w.Set(field, rep, 1, 1, id.Value)
	switch {
	case strings.HasPrefix(id.System, "urn:oid:"):
		w.Set(field, rep, 4, 2, strings.TrimPrefix(id.System, "urn:oid:"))
		w.Set(field, rep, 4, 3, "ISO")
	case strings.HasPrefix(id.System, AuthorityPrefix):
		w.Set(field, rep, 4, 1, strings.TrimPrefix(id.System, AuthorityPrefix))
	default:
		w.Set(field, rep, 4, 1, id.System)
	}
	if id.Type != nil {
		w.Set(field, rep, 5, 1, id.Type.First().Code)
	}
}

// PutEntityIdentifier writes an EI field.
func (w *Target) PutEntityIdentifier(field int, id fhir.Identifier) {
	w.Set(field, 0, 1, 1, id.Value)
	if id.Value != "" {
		w.Set(field, 0, 2, 1, strings.TrimPrefix(id.System, AuthorityPrefix))
	}
}

// PutName writes an XPN repetition.
func (w *Target) PutName(field, rep int, n fhir.HumanName) {
	w.Set(field, rep, 1, 1, n.Family)
	for i, g := range n.Given {
		if i > 1 {
			break
		}
		w.Set(field, rep, 2+i, 1, g)
	}
	if len(n.Suffix) > 0 {
		w.Set(field, rep, 4, 1, n.Suffix[0])
	}
	if len(n.Prefix) > 0 {
		w.Set(field, rep, 5, 1, n.Prefix[0])
	}
	w.Set(field, rep, 7, 1, NameUse.ToHL7(n.Use))
}

// PutAddress writes an XAD repetition.
func (w *Target) PutAddress(field, rep int, a fhir.Address) {
	for i, l := range a.Line {
		if i > 1 {
			break
		}
		w.Set(field, rep, 1+i, 1, l)
	}
	w.Set(field, rep, 3, 1, a.City)
	w.Set(field, rep, 4, 1, a.State)
	w.Set(field, rep, 5, 1, a.PostalCode)
	w.Set(field, rep, 6, 1, a.Country)
	if a.Type == "postal" {
		w.Set(field, rep, 7, 1, "M")
	} else {
		w.Set(field, rep, 7, 1, AddressUse.ToHL7(a.Use))
	}
	w.Set(field, rep, 9, 1, a.District)
}

// PutTelecom writes an XTN repetition.
func (w *Target) PutTelecom(field, rep int, cp fhir.ContactPoint) {
	if cp.System == "email" {
		w.Set(field, rep, 2, 1, "NET")
		w.Set(field, rep, 3, 1, "Internet")
		w.Set(field, rep, 4, 1, cp.Value)
		return
	}
	w.Set(field, rep, 1, 1, cp.Value)
	w.Set(field, rep, 2, 1, TelecomUse.ToHL7(cp.Use))
	w.Set(field, rep, 3, 1, TelecomSystem.ToHL7(cp.System))
}

// PutConcept writes a CE/CWE repetition from the first two codings.
func (w *Target) PutConcept(field, rep int, cc *fhir.CodeableConcept) {
	if cc.IsZero() {
		return
	}
	for i, c := range cc.Coding {
		if i > 1 {
			break
		}
		base := 1 + 3*i
		w.Set(field, rep, base, 1, c.Code)
		w.Set(field, rep, base+1, 1, c.Display)
		w.Set(field, rep, base+2, 1, SystemName(c.System))
	}
	if len(cc.Coding) == 0 {
		w.Set(field, rep, 2, 1, cc.Text)
	}
}

// PutTableCode writes the first coding of cc through a code table.
func (w *Target) PutTableCode(field int, cc *fhir.CodeableConcept, t *Table) {
	if cc.IsZero() {
		return
	}
	w.Put(field, t.ToHL7(cc.First().Code))
}

// PutPerson writes a display-only reference into an XCN repetition,
// splitting "Given Family" on the last space.
func (w *Target) PutPerson(field, rep int, ref *fhir.Reference) {
	if ref == nil || ref.Display == "" {
		return
	}
	given, family, ok := cutLast(ref.Display, " ")
	if !ok {
		w.Set(field, rep, 2, 1, ref.Display)
		return
	}
	w.Set(field, rep, 2, 1, family)
	w.Set(field, rep, 3, 1, given)
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// PutQuantity writes a quantity value and its unit into two fields.
func (w *Target) PutQuantity(valueField, unitField int, q *fhir.Quantity) {
	if q == nil || q.Value == nil {
		return
	}
	w.Put(valueField, FormatNumber(*q.Value))
	unit := q.Code
	if unit == "" {
		unit = q.Unit
	}
	w.Set(unitField, 0, 1, 1, unit)
	if q.Unit != "" && q.Unit != unit {
		w.Set(unitField, 0, 2, 1, q.Unit)
	}
	if q.System != "" {
		w.Set(unitField, 0, 3, 1, SystemName(q.System))
	}
}

// PutDateTime writes a FHIR dateTime as an HL7v2 TS. Values that do not
// parse are skipped.
func (w *Target) PutDateTime(field int, dt string) {
	if ts, err := DateTimeToHL7(dt); err == nil {
		w.Put(field, ts)
	}
}

// PutDate writes a FHIR date as an HL7v2 DT.
func (w *Target) PutDate(field int, dt string) {
	if d, err := DateToHL7(dt); err == nil {
		w.Put(field, d)
	}
}
