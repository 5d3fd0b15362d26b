package expression

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

var tradeSchema = schema.MustParse("id*:int64,symbol:string,price:double,qty:int32,at:stamp")

func trade(id int64, symbol string, price any, qty int32) event.Record {
	return event.Record{
		"id":     id,
		"symbol": symbol,
		"price":  price,
		"qty":    qty,
		"at":     time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestPredicate_Match(t *testing.T) {
	row := trade(7, "IBM", 101.5, 300)

	tests := []struct {
		expr string
		want bool
	}{
		{"price > 100", true},
		{"price >= 101.5", true},
		{"price < 100", false},
		{"price lte 101.5", true},
		{"qty == 300", true},
		{"qty = 300", true},
		{"qty != 300", false},
		{"qty <> 299", true},
		{"symbol == 'IBM'", true},
		{`symbol == "SAS"`, false},
		{"symbol contains 'B'", true},
		{"symbol starts_with 'IB'", true},
		{"symbol ends_with 'X'", false},
		{"symbol regex '^I[A-Z]+$'", true},
		{"price > 100 and symbol == 'IBM'", true},
		{"price > 200 or symbol == 'IBM'", true},
		{"not (price > 200)", true},
		{"NOT price > 100 OR qty < 10", false},
		{"id in (1, 7, 9)", true},
		{"symbol in ('SAS', 'HPE')", false},
		{"price is not null", true},
		{"price is null", false},
		{"at > '2024-05-01T09:00:00Z'", true},
		{"true", true},
		{"false or (true and not false)", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr, tradeSchema)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(row))
			assert.Equal(t, tt.expr, p.String())
		})
	}
}

func TestPredicate_NullField(t *testing.T) {
	row := trade(1, "SAS", nil, 5)

	for _, expr := range []string{"price > 0", "price <= 0", "price == 1", "price != 1", "price contains '1'"} {
		p := MustCompile(expr, tradeSchema)
		assert.False(t, p.Match(row), expr)
	}
	assert.True(t, MustCompile("price is null", tradeSchema).Match(row))
}

func TestCompile_Precedence(t *testing.T) {
	// and binds tighter than or
	p := MustCompile("qty == 1 or qty == 5 and symbol == 'X'", tradeSchema)
	assert.True(t, p.Match(trade(1, "Y", 1.0, 1)))
	assert.False(t, p.Match(trade(1, "Y", 1.0, 5)))
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		expr string
		pos  int
	}{
		{"", -1},
		{"price >", 7},
		{"volume > 3", 0},
		{"price ~ 3", 6},
		{"price > 'abc'", 8},
		{"(price > 1", 10},
		{"price > 1 qty", 10},
		{"symbol == 'open", 10},
		{"symbol regex '(a+)+'", 13},
		{"price is 3", 9},
		{"id in (1 2)", 9},
		{"price > ''", 8},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Compile(tt.expr, tradeSchema)
			require.Error(t, err)

			var hee *errors.HorizonExpressionError
			require.True(t, stderrors.As(err, &hee), "got %T", err)
			assert.Equal(t, tt.expr, hee.Expr)
			assert.Equal(t, tt.pos, hee.Pos, hee.Reason)
		})
	}
}

func TestCompile_FieldNamesAreCaseInsensitive(t *testing.T) {
	p, err := Compile("PRICE > 1", tradeSchema)
	require.NoError(t, err)
	assert.True(t, p.Match(trade(1, "A", 2.0, 1)))
}
