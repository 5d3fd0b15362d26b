package projectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
)

func tradingProject(t *testing.T, name string) *dataflow.Project {
	t.Helper()
	p := dataflow.NewProject(name, dataflow.WithPubSub(dataflow.PubSubAuto, 0))
	q, err := p.NewQuery("cq")
	require.NoError(t, err)
	src := dataflow.NewSource("trades", schema.MustParse("id*:int64,symbol:string,price:double"))
	large := dataflow.NewFilter("large", "price > 1000")
	require.NoError(t, q.AddWindow(src))
	require.NoError(t, q.AddWindow(large))
	require.NoError(t, src.AddTarget(large, dataflow.RoleData))
	return p
}

func TestNewRecord(t *testing.T) {
	rec, err := NewRecord(tradingProject(t, "trading"))
	require.NoError(t, err)
	assert.Equal(t, "trading", rec.Name)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 1, rec.Queries)
	assert.Equal(t, 2, rec.Windows)
	assert.Contains(t, rec.XML, `<window-filter name="large">`)
	assert.False(t, rec.CreatedAt.IsZero())
	require.NoError(t, rec.Verify())

	p, err := rec.Project()
	require.NoError(t, err)
	assert.NotNil(t, p.Window("trading/cq/large"))
}

func TestNewRecord_Rejects(t *testing.T) {
	_, err := NewRecord(nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewRecord(tradingProject(t, "bad name"))
	assert.True(t, errors.IsInvalid(err))

	broken := tradingProject(t, "broken")
	broken.Query("cq").Window("trades").SetSchema(nil)
	_, err = NewRecord(broken)
	var gve *errors.GraphValidationError
	require.ErrorAs(t, err, &gve)
	assert.Equal(t, []errors.ViolationKind{errors.ViolationMissingSchema}, gve.Kinds())
}

func TestRecord_VerifyDetectsTampering(t *testing.T) {
	rec, err := NewRecord(tradingProject(t, "trading"))
	require.NoError(t, err)

	tampered := *rec
	tampered.XML = rec.XML + " "
	assert.True(t, errors.IsFatal(tampered.Verify()))

	renamed := *rec
	renamed.Name = "other"
	assert.True(t, errors.IsFatal(renamed.Verify()))
}
