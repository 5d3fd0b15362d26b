package dataflow

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
)

// Element is a child element of a project, query or window that this package
// does not model (join conditions, compute outputs, plugins, ...). It is kept
// verbatim so engine documents survive a parse and write.
type Element struct {
	Name  string
	Attrs []xml.Attr
	Inner string
}

// projectAttrs are the project element attributes with dedicated fields.
var projectAttrs = map[string]struct{}{
	"name":               {},
	"pubsub":             {},
	"port":               {},
	"threads":            {},
	"use-tagged-token":   {},
	"index":              {},
	"heartbeat-interval": {},
}

type xmlText struct {
	Text string `xml:",cdata"`
}

func text(s string) *xmlText {
	if s == "" {
		return nil
	}
	return &xmlText{Text: s}
}

func (t *xmlText) String() string {
	if t == nil {
		return ""
	}
	return t.Text
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// Optional containers are pointers so that empty ones are not written.

type xmlProperties struct {
	Items []xmlProperty `xml:"property"`
}

// xmlPropertyBlock is the <parameters>, <input-map> and <output-map> shape:
// a <properties> list one level down.
type xmlPropertyBlock struct {
	Properties xmlProperties `xml:"properties"`
}

type xmlMeta struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type xmlMetadata struct {
	Items []xmlMeta `xml:"meta"`
}

type xmlRaw struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

type xmlEngine struct {
	XMLName  xml.Name     `xml:"engine"`
	Projects []xmlProject `xml:"projects>project"`
}

type xmlProject struct {
	XMLName     xml.Name       `xml:"project"`
	Attrs       []xml.Attr     `xml:",any,attr"`
	Description *xmlText       `xml:"description,omitempty"`
	Metadata    *xmlMetadata   `xml:"metadata,omitempty"`
	Properties  *xmlProperties `xml:"properties,omitempty"`
	Queries     []xmlQuery     `xml:"contqueries>contquery"`
	Extra       []xmlRaw       `xml:",any"`
}

type xmlQuery struct {
	Attrs       []xml.Attr   `xml:",any,attr"`
	Description *xmlText     `xml:"description,omitempty"`
	Metadata    *xmlMetadata `xml:"metadata,omitempty"`
	Windows     xmlWindows   `xml:"windows"`
	Edges       *xmlEdges    `xml:"edges,omitempty"`
	Extra       []xmlRaw     `xml:",any"`
}

type xmlWindows struct {
	Items []xmlWindow `xml:",any"`
}

type xmlEdges struct {
	Items []xmlEdge `xml:"edge"`
}

type xmlEdge struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
	Role   string `xml:"role,attr,omitempty"`
	Slot   string `xml:"slot,attr,omitempty"`
}

type xmlWindow struct {
	XMLName      xml.Name
	Attrs        []xml.Attr        `xml:",any,attr"`
	Description  *xmlText          `xml:"description,omitempty"`
	Schema       *schema.Schema    `xml:"schema,omitempty"`
	SchemaString string            `xml:"schema-string,omitempty"`
	Expression   *xmlText          `xml:"expression,omitempty"`
	Parameters   *xmlPropertyBlock `xml:"parameters,omitempty"`
	InputMap     *xmlPropertyBlock `xml:"input-map,omitempty"`
	OutputMap    *xmlPropertyBlock `xml:"output-map,omitempty"`
	Patterns     *xmlPatterns      `xml:"patterns,omitempty"`
	Extra        []xmlRaw          `xml:",any"`
	Connectors   *xmlConnectors    `xml:"connectors,omitempty"`
}

type xmlPatterns struct {
	Items []xmlPattern `xml:"pattern"`
}

type xmlConnectors struct {
	Items []xmlConnector `xml:"connector"`
}

type xmlPattern struct {
	Name       string            `xml:"name,attr,omitempty"`
	Active     string            `xml:"is_active,attr,omitempty"`
	Index      string            `xml:"index,attr,omitempty"`
	Events     *xmlPatternEvents `xml:"events,omitempty"`
	Logic      *xmlText          `xml:"logic,omitempty"`
	Output     *xmlPatternOutput `xml:"output,omitempty"`
	TimeFields *xmlTimeFields    `xml:"timefields,omitempty"`
}

type xmlPatternEvents struct {
	Items []xmlPatternEvent `xml:"event"`
}

type xmlPatternOutput struct {
	Exprs      []xmlFieldExpr      `xml:"field-expr"`
	Selections []xmlFieldSelection `xml:"field-selection"`
}

type xmlTimeFields struct {
	Items []xmlTimeField `xml:"timefield"`
}

type xmlPatternEvent struct {
	Source string `xml:"source,attr"`
	Name   string `xml:"name,attr"`
	Expr   string `xml:",cdata"`
}

type xmlFieldExpr struct {
	Node string `xml:"node,attr,omitempty"`
	Expr string `xml:",cdata"`
}

type xmlFieldSelection struct {
	Name string `xml:"name,attr"`
	Node string `xml:"node,attr"`
}

type xmlTimeField struct {
	Field  string `xml:"field,attr"`
	Source string `xml:"source,attr"`
}

type xmlConnector struct {
	Class      string         `xml:"class,attr"`
	Name       string         `xml:"name,attr,omitempty"`
	Type       string         `xml:"type,attr,omitempty"`
	Active     string         `xml:"active,attr,omitempty"`
	Properties *xmlProperties `xml:"properties,omitempty"`
}

// ToXML writes the project as an engine document:
// <engine><projects><project>...</project></projects></engine>.
func (p *Project) ToXML() ([]byte, error) {
	return ProjectsToXML(p)
}

// ToProjectXML writes the bare <project> element, the form the engine accepts
// when loading a single project.
func (p *Project) ToProjectXML() ([]byte, error) {
	return marshalDoc(p.toXML())
}

// ProjectsToXML writes several projects into one engine document.
func ProjectsToXML(projects ...*Project) ([]byte, error) {
	doc := xmlEngine{Projects: make([]xmlProject, len(projects))}
	for i, p := range projects {
		doc.Projects[i] = p.toXML()
	}
	return marshalDoc(doc)
}

func marshalDoc(v any) ([]byte, error) {
	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.WrapInvalid(err, "dataflow", "ToXML", "marshal project")
	}
	return append([]byte(xml.Header), out...), nil
}

// FromXML parses a document holding exactly one project, either as an
// <engine> document or a bare <project> element.
func FromXML(data []byte) (*Project, error) {
	projects, err := ProjectsFromXML(data)
	if err != nil {
		return nil, err
	}
	if len(projects) != 1 {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "dataflow", "FromXML",
			fmt.Sprintf("document holds %d projects, want 1", len(projects)))
	}
	return projects[0], nil
}

// ProjectsFromXML parses every project of an <engine> document, or the single
// project of a bare <project> element.
func ProjectsFromXML(data []byte) ([]*Project, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "dataflow", "ProjectsFromXML", "read document root")
	}

	var docs []xmlProject
	switch root {
	case "engine":
		var doc xmlEngine
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(err, "dataflow", "ProjectsFromXML", "parse engine document")
		}
		docs = doc.Projects
	case "project":
		var doc xmlProject
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(err, "dataflow", "ProjectsFromXML", "parse project document")
		}
		docs = []xmlProject{doc}
	default:
		return nil, errors.Invalidf("dataflow", "ProjectsFromXML", "unexpected root element <%s>", root)
	}

	projects := make([]*Project, 0, len(docs))
	for _, d := range docs {
		p, err := projectFromXML(d)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func rootElement(data []byte) (string, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return "", fmt.Errorf("document has no root element: %w", errors.ErrParsingFailed)
		}
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func (p *Project) toXML() xmlProject {
	owned := map[string]string{
		"pubsub": string(p.pubsub),
		"index":  p.index,
	}
	if p.port != 0 {
		owned["port"] = strconv.Itoa(p.port)
	}
	if p.threads != 0 {
		owned["threads"] = strconv.Itoa(p.threads)
	}
	if p.taggedToken {
		owned["use-tagged-token"] = "true"
	}
	if p.heartbeat != 0 {
		owned["heartbeat-interval"] = strconv.Itoa(p.heartbeat)
	}
	attrs := maps.Clone(p.attrs)
	for k, v := range owned {
		if v != "" {
			attrs[k] = v
		}
	}

	doc := xmlProject{
		Attrs:       xmlAttrs(p.name, attrs),
		Description: text(p.description),
		Metadata:    metaList(p.metadata),
		Properties:  propertyList(p.properties),
		Queries:     make([]xmlQuery, len(p.queries)),
		Extra:       rawList(p.extra),
	}
	for i, q := range p.queries {
		doc.Queries[i] = q.toXML()
	}
	return doc
}

func (q *ContinuousQuery) toXML() xmlQuery {
	attrs := maps.Clone(q.attrs)
	if len(q.trace) > 0 {
		attrs["trace"] = strings.Join(q.trace, " ")
	}
	doc := xmlQuery{
		Attrs:       xmlAttrs(q.name, attrs),
		Description: text(q.description),
		Metadata:    metaList(q.metadata),
		Windows:     xmlWindows{Items: make([]xmlWindow, len(q.windows))},
	}
	for i, w := range q.windows {
		doc.Windows.Items[i] = w.toXML()
	}
	doc.Extra = rawList(q.extra)
	if len(q.edges) > 0 {
		doc.Edges = &xmlEdges{}
	}
	for _, e := range q.edges {
		doc.Edges.Items = append(doc.Edges.Items, xmlEdge{
			Source: e.Source,
			Target: e.Target,
			Role:   string(e.Role),
			Slot:   e.Slot,
		})
	}
	return doc
}

func (w *Window) toXML() xmlWindow {
	doc := xmlWindow{
		XMLName:     xml.Name{Local: w.kind.Element()},
		Attrs:       xmlAttrs(w.name, w.attrs),
		Description: text(w.description),
		Schema:      w.schema,
		Expression:  text(w.expression),
		Parameters:  propertyBlock(w.params),
		InputMap:    propertyBlock(w.inputs),
		OutputMap:   propertyBlock(w.outputs),
		Extra:       rawList(w.extra),
	}
	if len(w.patterns) > 0 {
		doc.Patterns = &xmlPatterns{}
	}
	for _, p := range w.patterns {
		doc.Patterns.Items = append(doc.Patterns.Items, p.toXML())
	}
	if len(w.connectors) > 0 {
		doc.Connectors = &xmlConnectors{}
	}
	for _, c := range w.connectors {
		doc.Connectors.Items = append(doc.Connectors.Items, xmlConnector{
			Class:      c.Class,
			Name:       c.Name,
			Type:       c.Type,
			Active:     strconv.FormatBool(c.Active),
			Properties: propertyList(c.Properties),
		})
	}
	return doc
}

func (p *Pattern) toXML() xmlPattern {
	doc := xmlPattern{
		Name:   p.name,
		Active: strconv.FormatBool(p.active),
		Index:  p.index,
		Logic:  text(p.logic),
	}
	if len(p.events) > 0 {
		doc.Events = &xmlPatternEvents{}
		for _, e := range p.events {
			doc.Events.Items = append(doc.Events.Items, xmlPatternEvent{Source: e.Source, Name: e.Name, Expr: e.Expression})
		}
	}
	if len(p.exprs) > 0 || len(p.selections) > 0 {
		doc.Output = &xmlPatternOutput{}
		for _, e := range p.exprs {
			doc.Output.Exprs = append(doc.Output.Exprs, xmlFieldExpr{Node: e.Node, Expr: e.Expression})
		}
		for _, s := range p.selections {
			doc.Output.Selections = append(doc.Output.Selections, xmlFieldSelection(s))
		}
	}
	if len(p.timeFields) > 0 {
		doc.TimeFields = &xmlTimeFields{}
		for _, t := range p.timeFields {
			doc.TimeFields.Items = append(doc.TimeFields.Items, xmlTimeField(t))
		}
	}
	return doc
}

func projectFromXML(doc xmlProject) (*Project, error) {
	attrs := attrMap(doc.Attrs)
	p := NewProject(attrs["name"])
	if p.name == "" {
		return nil, errors.Invalidf("dataflow", "FromXML", "project element has no name")
	}

	var err error
	p.pubsub = PubSubMode(attrs["pubsub"])
	p.index = attrs["index"]
	p.taggedToken = strings.EqualFold(attrs["use-tagged-token"], "true")
	if p.port, err = intAttr(attrs, "port"); err != nil {
		return nil, projectErr(p.name, err)
	}
	if p.threads, err = intAttr(attrs, "threads"); err != nil {
		return nil, projectErr(p.name, err)
	}
	if p.heartbeat, err = intAttr(attrs, "heartbeat-interval"); err != nil {
		return nil, projectErr(p.name, err)
	}
	for k, v := range attrs {
		if _, owned := projectAttrs[k]; !owned {
			p.attrs[k] = v
		}
	}
	p.description = doc.Description.String()
	if doc.Metadata != nil {
		for _, m := range doc.Metadata.Items {
			p.metadata[m.ID] = m.Value
		}
	}
	maps.Copy(p.properties, propertyMap(doc.Properties))

	for _, qd := range doc.Queries {
		q, err := queryFromXML(qd)
		if err != nil {
			return nil, projectErr(p.name, err)
		}
		// parsed documents may repeat names; Validate reports them
		q.project = p
		p.queries = append(p.queries, q)
	}
	p.extra = elementList(doc.Extra)
	return p, nil
}

func projectErr(name string, err error) error {
	return errors.WrapInvalid(err, "dataflow", "FromXML", "parse project "+name)
}

func queryFromXML(doc xmlQuery) (*ContinuousQuery, error) {
	attrs := attrMap(doc.Attrs)
	q := NewQuery(attrs["name"])
	if q.name == "" {
		return nil, fmt.Errorf("contquery element has no name: %w", errors.ErrParsingFailed)
	}
	for k, v := range attrs {
		switch k {
		case "name":
		case "trace":
			q.SetTrace(v)
		default:
			q.attrs[k] = v
		}
	}
	q.description = doc.Description.String()
	if doc.Metadata != nil {
		for _, m := range doc.Metadata.Items {
			q.metadata[m.ID] = m.Value
		}
	}

	for _, wd := range doc.Windows.Items {
		w, err := windowFromXML(wd)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.name, err)
		}
		w.query = q
		q.windows = append(q.windows, w)
	}

	// source and target may each list several windows
	var edges []xmlEdge
	if doc.Edges != nil {
		edges = doc.Edges.Items
	}
	for _, ed := range edges {
		for _, src := range strings.Fields(ed.Source) {
			for _, dst := range strings.Fields(ed.Target) {
				q.edges = append(q.edges, Edge{Source: src, Target: dst, Role: Role(ed.Role), Slot: ed.Slot})
			}
		}
	}
	q.extra = elementList(doc.Extra)
	return q, nil
}

func windowFromXML(doc xmlWindow) (*Window, error) {
	if !strings.HasPrefix(doc.XMLName.Local, "window-") {
		return nil, fmt.Errorf("unexpected element <%s> in windows: %w", doc.XMLName.Local, errors.ErrParsingFailed)
	}
	attrs := attrMap(doc.Attrs)
	w := NewWindow(attrs["name"], ParseKind(doc.XMLName.Local))
	if w.name == "" {
		return nil, fmt.Errorf("<%s> has no name: %w", doc.XMLName.Local, errors.ErrParsingFailed)
	}
	delete(attrs, "name")
	w.attrs = attrs

	w.description = doc.Description.String()
	w.expression = doc.Expression.String()
	w.schema = doc.Schema
	if w.schema == nil && strings.TrimSpace(doc.SchemaString) != "" {
		s, err := schema.Parse(strings.TrimSpace(doc.SchemaString))
		if err != nil {
			return nil, fmt.Errorf("window %s: %w", w.name, err)
		}
		w.schema = s
	}
	w.params = blockMap(doc.Parameters)
	w.inputs = blockMap(doc.InputMap)
	w.outputs = blockMap(doc.OutputMap)

	if doc.Patterns != nil {
		for _, pd := range doc.Patterns.Items {
			w.patterns = append(w.patterns, patternFromXML(pd))
		}
	}
	var connectors []xmlConnector
	if doc.Connectors != nil {
		connectors = doc.Connectors.Items
	}
	for _, cd := range connectors {
		w.connectors = append(w.connectors, Connector{
			Class:      cd.Class,
			Name:       cd.Name,
			Type:       cd.Type,
			Active:     cd.Active == "" || strings.EqualFold(cd.Active, "true"),
			Properties: propertyMap(cd.Properties),
		})
	}
	w.extra = elementList(doc.Extra)
	return w, nil
}

func patternFromXML(doc xmlPattern) *Pattern {
	p := &Pattern{
		name:   doc.Name,
		active: doc.Active == "" || strings.EqualFold(doc.Active, "true"),
		index:  doc.Index,
		logic:  doc.Logic.String(),
	}
	if doc.Events != nil {
		for _, e := range doc.Events.Items {
			p.events = append(p.events, PatternEvent{Source: e.Source, Name: e.Name, Expression: e.Expr})
		}
	}
	if doc.Output != nil {
		for _, e := range doc.Output.Exprs {
			p.exprs = append(p.exprs, FieldExpr{Node: e.Node, Expression: e.Expr})
		}
		for _, s := range doc.Output.Selections {
			p.selections = append(p.selections, FieldSelection(s))
		}
	}
	if doc.TimeFields != nil {
		for _, t := range doc.TimeFields.Items {
			p.timeFields = append(p.timeFields, TimeField(t))
		}
	}
	return p
}

// xmlAttrs renders name first, then the remaining attributes sorted.
func xmlAttrs(name string, attrs map[string]string) []xml.Attr {
	out := []xml.Attr{{Name: xml.Name{Local: "name"}, Value: name}}
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		out = append(out, xml.Attr{Name: xml.Name{Local: k}, Value: attrs[k]})
	}
	return out
}

func attrMap(attrs []xml.Attr) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Name.Local] = a.Value
	}
	return out
}

func intAttr(attrs map[string]string, name string) (int, error) {
	v := strings.TrimSpace(attrs[name])
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q: %w", name, v, errors.ErrParsingFailed)
	}
	return n, nil
}

// propertyList returns nil for an empty map so the container is omitted.
func propertyList(m map[string]string) *xmlProperties {
	if len(m) == 0 {
		return nil
	}
	out := &xmlProperties{Items: make([]xmlProperty, 0, len(m))}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out.Items = append(out.Items, xmlProperty{Name: k, Value: m[k]})
	}
	return out
}

func propertyBlock(m map[string]string) *xmlPropertyBlock {
	props := propertyList(m)
	if props == nil {
		return nil
	}
	return &xmlPropertyBlock{Properties: *props}
}

// propertyMap keeps values as written; whitespace can be significant.
func propertyMap(props *xmlProperties) map[string]string {
	if props == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(props.Items))
	for _, p := range props.Items {
		out[p.Name] = p.Value
	}
	return out
}

func blockMap(b *xmlPropertyBlock) map[string]string {
	if b == nil {
		return map[string]string{}
	}
	return propertyMap(&b.Properties)
}

func metaList(m map[string]string) *xmlMetadata {
	if len(m) == 0 {
		return nil
	}
	out := &xmlMetadata{Items: make([]xmlMeta, 0, len(m))}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out.Items = append(out.Items, xmlMeta{ID: k, Value: m[k]})
	}
	return out
}

func elementList(raws []xmlRaw) []Element {
	if len(raws) == 0 {
		return nil
	}
	out := make([]Element, len(raws))
	for i, r := range raws {
		out[i] = Element{Name: r.XMLName.Local, Attrs: r.Attrs, Inner: r.Inner}
	}
	return out
}

func rawList(elems []Element) []xmlRaw {
	if len(elems) == 0 {
		return nil
	}
	out := make([]xmlRaw, len(elems))
	for i, e := range elems {
		out[i] = xmlRaw{XMLName: xml.Name{Local: e.Name}, Attrs: e.Attrs, Inner: e.Inner}
	}
	return out
}
