package dataflow_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
)

const engineDoc = `<?xml version="1.0" encoding="UTF-8"?>
<engine>
  <projects>
    <project name="trading" pubsub="auto" threads="4" use-tagged-token="true">
      <description>Trade analytics</description>
      <metadata><meta id="owner">desk</meta></metadata>
      <contqueries>
        <contquery name="cq" trace="large trades">
          <windows>
            <window-source name="trades" index="pi_EMPTY" insert-only="true">
              <schema-string>id*:int64,symbol:string,price:double</schema-string>
              <connectors>
                <connector class="fs" name="in" type="publish">
                  <properties>
                    <property name="fsname">trades.csv</property>
                    <property name="fstype">csv</property>
                  </properties>
                </connector>
              </connectors>
            </window-source>
            <window-source name="quotes">
              <schema>
                <fields>
                  <field name="symbol" type="string" key="true"/>
                  <field name="bid" type="double"/>
                </fields>
              </schema>
            </window-source>
            <window-filter name="large">
              <expression><![CDATA[price > 1000]]></expression>
            </window-filter>
            <window-join name="enriched">
              <join type="leftouter"><conditions><fields left="symbol" right="symbol"/></conditions></join>
            </window-join>
            <window-geo-cluster name="custom" algorithm="dbscan">
              <parameters><properties><property name="eps">0.5</property></properties></parameters>
            </window-geo-cluster>
          </windows>
          <edges>
            <edge source="trades" target="large"/>
            <edge source="large quotes" target="enriched" role="data"/>
            <edge source="enriched" target="custom"/>
          </edges>
        </contquery>
      </contqueries>
    </project>
  </projects>
</engine>`

func TestFromXML_EngineDocument(t *testing.T) {
	p, err := dataflow.FromXML([]byte(engineDoc))
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, "trading", p.Name())
	assert.Equal(t, dataflow.PubSubAuto, p.PubSub())
	assert.Equal(t, 4, p.Threads())
	assert.True(t, p.TaggedToken())
	assert.Equal(t, "Trade analytics", p.Description())
	assert.Equal(t, map[string]string{"owner": "desk"}, p.Metadata())

	q := p.Query("cq")
	require.NotNil(t, q)
	assert.Equal(t, []string{"large", "trades"}, q.Trace())

	trades := q.Window("trades")
	require.NotNil(t, trades)
	assert.Equal(t, dataflow.KindSource, trades.Kind())
	assert.Equal(t, "id*:int64,symbol:string,price:double", trades.Schema().String())
	assert.Equal(t, map[string]string{"index": "pi_EMPTY", "insert-only": "true"}, trades.Attrs())
	assert.Equal(t, []dataflow.Connector{{
		Class:      "fs",
		Name:       "in",
		Type:       "publish",
		Active:     true,
		Properties: map[string]string{"fsname": "trades.csv", "fstype": "csv"},
	}}, trades.Connectors())

	assert.Equal(t, "price > 1000", q.Window("large").Expression())

	enriched := q.Window("enriched")
	require.Len(t, enriched.Elements(), 1)
	assert.Equal(t, "join", enriched.Elements()[0].Name)
	assert.Contains(t, enriched.Elements()[0].Inner, `<fields left="symbol" right="symbol"/>`)

	custom := q.Window("custom")
	assert.Equal(t, dataflow.Kind("geo-cluster"), custom.Kind())
	assert.False(t, custom.Kind().Known())
	assert.Equal(t, "dbscan", custom.Algorithm())
	assert.Equal(t, map[string]string{"eps": "0.5"}, custom.Parameters())

	assert.Equal(t, []dataflow.Edge{
		{Source: "trades", Target: "large"},
		{Source: "large", Target: "enriched", Role: dataflow.RoleData},
		{Source: "quotes", Target: "enriched", Role: dataflow.RoleData},
		{Source: "enriched", Target: "custom"},
	}, q.Edges())
}

func TestXML_RoundTrip(t *testing.T) {
	p := buildTradingProject(t)
	require.NoError(t, p.Validate())

	first, err := p.ToXML()
	require.NoError(t, err)

	parsed, err := dataflow.FromXML(first)
	require.NoError(t, err)
	require.NoError(t, parsed.Validate())

	second, err := parsed.ToXML()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	schemaEqual := cmp.Comparer(func(a, b *schema.Schema) bool { return a.Equal(b) })
	if diff := cmp.Diff(p.Export(), parsed.Export(), schemaEqual); diff != "" {
		t.Errorf("graph view differs after round trip (-want +got):\n%s", diff)
	}

	q := parsed.Query("cq")
	calc := q.Window("calc")
	assert.Equal(t, "Summary", calc.Algorithm())
	assert.Equal(t, map[string]string{"input": "price"}, calc.Inputs())
	assert.Equal(t, map[string]string{"meanOut": "mean"}, calc.Outputs())
	assert.Equal(t, "5", calc.Parameters()["windowLength"])

	patterns := q.Window("spike").Patterns()
	require.Len(t, patterns, 1)
	pat := patterns[0]
	assert.Equal(t, "doubleUp", pat.Name())
	assert.True(t, pat.Active())
	assert.Equal(t, "fby{1 minute}(e1,e2)", pat.Logic())
	assert.Equal(t, []dataflow.PatternEvent{
		{Source: "trades", Name: "e1", Expression: "symbol==sym and price > 100"},
		{Source: "trades", Name: "e2", Expression: "symbol==sym and price > 200"},
	}, pat.Events())
	assert.Equal(t, []dataflow.FieldSelection{{Name: "symbol", Node: "e1"}}, pat.FieldSelections())
	assert.Equal(t, []dataflow.FieldExpr{{Expression: "e2.price - e1.price", Node: "e2"}}, pat.FieldExprs())
	assert.Equal(t, []dataflow.TimeField{{Field: "ts", Source: "trades"}}, pat.TimeFields())

	conns := q.Window("trades").Connectors()
	require.Len(t, conns, 1)
	assert.False(t, conns[0].Active)
}

func TestXML_ConnectorsComeLast(t *testing.T) {
	p := buildTradingProject(t)
	doc, err := p.ToProjectXML()
	require.NoError(t, err)

	s := string(doc)
	assert.True(t, strings.HasPrefix(s, `<?xml`))
	assert.Contains(t, s, `<project name="trading" heartbeat-interval="10" port="31416" pubsub="manual"`)

	start := strings.Index(s, "<window-source")
	end := strings.Index(s, "</window-source>")
	require.Positive(t, start)
	window := s[start:end]
	assert.Less(t, strings.Index(window, "<schema>"), strings.Index(window, "<connectors>"))
	assert.Less(t, strings.Index(window, "<description>"), strings.Index(window, "<schema>"))

	parsed, err := dataflow.FromXML(doc)
	require.NoError(t, err)
	assert.Equal(t, 31416, parsed.Port())
	assert.Equal(t, 10, parsed.Heartbeat())
}

func TestProjectsFromXML(t *testing.T) {
	a := dataflow.NewProject("a")
	b := dataflow.NewProject("b")
	doc, err := dataflow.ProjectsToXML(a, b)
	require.NoError(t, err)

	projects, err := dataflow.ProjectsFromXML(doc)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "b", projects[1].Name())

	_, err = dataflow.FromXML(doc)
	assert.True(t, errors.IsInvalid(err))
}

func TestFromXML_Errors(t *testing.T) {
	tests := map[string]string{
		"not xml":         "{}",
		"wrong root":      `<engines/>`,
		"nameless window": `<project name="p"><contqueries><contquery name="q"><windows><window-source/></windows></contquery></contqueries></project>`,
		"stray element":   `<project name="p"><contqueries><contquery name="q"><windows><source name="x"/></windows></contquery></contqueries></project>`,
		"bad threads":     `<project name="p" threads="many"/>`,
		"keyless schema":  `<project name="p"><contqueries><contquery name="q"><windows><window-source name="s"><schema><fields><field name="a" type="int32"/></fields></schema></window-source></windows></contquery></contqueries></project>`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := dataflow.FromXML([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "%v", err)
		})
	}
}

func TestExport(t *testing.T) {
	p := buildTradingProject(t)
	view := p.Export()

	assert.Equal(t, "trading", view.Project)
	names := make([]string, len(view.Nodes))
	for i, n := range view.Nodes {
		names[i] = n.Name
	}
	assert.Equal(t, []string{"calc", "large", "spike", "trades"}, names)
	assert.True(t, tradeSchema.Equal(view.Nodes[3].Schema))

	assert.Contains(t, view.Edges, dataflow.EdgeView{Query: "cq", Source: "trades", Target: "large", Role: dataflow.RoleData})

	view.Nodes[0].Name = "changed"
	assert.NotNil(t, p.Window("trading/cq/calc"))
}

func buildTradingProject(t *testing.T) *dataflow.Project {
	t.Helper()
	p := dataflow.NewProject("trading",
		dataflow.WithPubSub(dataflow.PubSubManual, 31416),
		dataflow.WithHeartbeat(10),
		dataflow.WithDescription("trades and derived signals"))
	p.SetProperty("retention", "1h")
	q, err := p.NewQuery("cq")
	require.NoError(t, err)
	q.SetTrace("trades")
	q.SetMetadata("layout", "auto")
	require.NoError(t, q.SetAttr("index", "pi_HASH"))

	trades := dataflow.NewSource("trades", tradeSchema)
	trades.SetDescription("raw trades")
	require.NoError(t, trades.SetAttr("insert-only", "true"))
	require.NoError(t, trades.AddConnector(dataflow.Connector{
		Class:      "fs",
		Name:       "feed",
		Type:       "publish",
		Properties: map[string]string{"fsname": "trades.csv", "fstype": "csv"},
	}))

	large := dataflow.NewFilter("large", "price > 1000")

	calc := dataflow.NewCalculate("calc", "Summary")
	calc.SetParameters(map[string]string{"windowLength": "5"})
	require.NoError(t, calc.SetInputs(map[string]string{"input": "price"}))
	require.NoError(t, calc.SetOutputs(map[string]string{"meanOut": "mean"}))
	calc.SetSchema(schema.MustParse("id*:int64,mean:double"))

	spike := dataflow.NewPattern("spike")
	pat, err := spike.CreatePattern("doubleUp")
	require.NoError(t, err)
	pat.AddEvent("trades", "e1", "symbol==sym and price > 100").
		AddEvent("trades", "e2", "symbol==sym and price > 200").
		SetLogic("fby{1 minute}(e1,e2)").
		AddFieldSelection("symbol", "e1").
		AddFieldExpr("e2.price - e1.price", "e2").
		AddTimeField("ts", "trades")

	for _, w := range []*dataflow.Window{trades, large, calc, spike} {
		require.NoError(t, q.AddWindow(w))
	}
	require.NoError(t, trades.AddTarget(large, dataflow.RoleData))
	require.NoError(t, trades.AddTarget(calc, dataflow.RoleData))
	require.NoError(t, trades.AddTarget(spike, ""))
	return p
}

func TestToXML_OmitsEmptyContainers(t *testing.T) {
	p := dataflow.NewProject("bare")
	q, err := p.NewQuery("cq")
	require.NoError(t, err)
	require.NoError(t, q.AddWindow(dataflow.NewSource("src", schema.MustParse("id*:int64,v:double"))))

	doc, err := p.ToXML()
	require.NoError(t, err)
	s := string(doc)

	start := strings.Index(s, "<window-source")
	end := strings.Index(s, "</window-source>")
	require.Positive(t, start)
	require.Greater(t, end, start)
	window := s[start:end]
	assert.Contains(t, window, "<schema>")
	for _, elem := range []string{"<parameters", "<properties", "<input-map", "<output-map", "<patterns", "<connectors", "<description", "<expression"} {
		assert.NotContains(t, window, elem)
	}
	for _, elem := range []string{"<metadata", "<properties", "<edges"} {
		assert.NotContains(t, s, elem)
	}

	// the window body is the schema and nothing else
	body := window[strings.Index(window, ">")+1:]
	body = strings.TrimSpace(body)
	assert.True(t, strings.HasPrefix(body, "<schema>"), body)
	assert.True(t, strings.HasSuffix(body, "</schema>"), body)
}

func TestXML_ExtensionKindKeepsCase(t *testing.T) {
	const doc = `<project name="p">
  <contqueries>
    <contquery name="cq">
      <windows>
        <window-source name="src"><schema-string>id*:int64</schema-string></window-source>
        <window-myPlugin name="ext"/>
        <window-FILTER name="f"><expression>id &gt; 1</expression></window-FILTER>
      </windows>
      <edges><edge source="src" target="ext f"/></edges>
    </contquery>
  </contqueries>
</project>`

	p, err := dataflow.FromXML([]byte(doc))
	require.NoError(t, err)
	q := p.Query("cq")
	assert.Equal(t, dataflow.Kind("myPlugin"), q.Window("ext").Kind())
	assert.Equal(t, dataflow.KindFilter, q.Window("f").Kind())

	out, err := p.ToXML()
	require.NoError(t, err)
	assert.Contains(t, string(out), `<window-myPlugin name="ext">`)
	assert.NotContains(t, string(out), "window-myplugin")
	assert.Contains(t, string(out), `<window-filter name="f">`)

	again, err := dataflow.FromXML(out)
	require.NoError(t, err)
	assert.Equal(t, dataflow.Kind("myPlugin"), again.Query("cq").Window("ext").Kind())
}

func TestXML_PreservesWhitespace(t *testing.T) {
	p := dataflow.NewProject("ws")
	q, err := p.NewQuery("cq")
	require.NoError(t, err)
	src := dataflow.NewSource("src", schema.MustParse("id*:int64,s:string"))
	src.SetDescription("  leading and trailing  ")
	src.SetParameter("separator", " | ")
	require.NoError(t, q.AddWindow(src))
	f := dataflow.NewFilter("f", " s == 'a' ")
	require.NoError(t, q.AddWindow(f))
	require.NoError(t, src.AddTarget(f, dataflow.RoleData))

	doc, err := p.ToXML()
	require.NoError(t, err)
	parsed, err := dataflow.FromXML(doc)
	require.NoError(t, err)

	pq := parsed.Query("cq")
	assert.Equal(t, "  leading and trailing  ", pq.Window("src").Description())
	assert.Equal(t, " | ", pq.Window("src").Parameters()["separator"])
	assert.Equal(t, " s == 'a' ", pq.Window("f").Expression())
}
