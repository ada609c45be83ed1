package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryDetection(t *testing.T) {
	t.Run("wraps a plain base search", func(t *testing.T) {
		q := CategoryDetection(`tag=authentication`)
		assert.Equal(t, "search tag=authentication earliest=-1d | stats count by index, sourcetype, source", q)
	})

	t.Run("passes generating pipelines through unchanged", func(t *testing.T) {
		base := "| tstats count where index=web by sourcetype"
		assert.Equal(t, base, CategoryDetection(base))
	})

	t.Run("trims whitespace before the pipe check", func(t *testing.T) {
		base := "  | inputlookup products.csv"
		assert.Equal(t, "| inputlookup products.csv", CategoryDetection(base))
	})
}

func TestBreakdownFromJob(t *testing.T) {
	q := BreakdownFromJob("sid-42", `sourcetype="linux_secure"`)
	assert.Contains(t, q, "| loadjob sid-42 ")
	assert.Contains(t, q, `| search sourcetype="linux_secure" `)
	assert.Contains(t, q, "by index, sourcetype, source")
}

func TestEventSample(t *testing.T) {
	q := EventSample(`sourcetype="linux_secure"`, 10000)
	assert.Contains(t, q, `search sourcetype="linux_secure" earliest=-1d`)
	assert.Contains(t, q, "| head 10000 ")
	assert.Contains(t, q, "fieldsummary")
	assert.Contains(t, q, "avg(event_size) as avg_size")
}

func TestVolumeScan(t *testing.T) {
	q := VolumeScan(`sourcetype="linux_secure"`, 30)
	assert.Contains(t, q, `where sourcetype="linux_secure" earliest=-30d`)
	assert.Contains(t, q, "span=1d")
}

func TestTermExpression(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{
			name: "all three fields",
			row:  Row{"index": "main", "sourcetype": "linux_secure", "source": "/var/log/secure"},
			want: `index="main" sourcetype="linux_secure" source="/var/log/secure"`,
		},
		{
			name: "sourcetype only",
			row:  Row{"sourcetype": "linux_secure"},
			want: `sourcetype="linux_secure"`,
		},
		{
			name: "empty row",
			row:  Row{"count": "12"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TermExpression(tt.row))
		})
	}
}

func TestCombineTerms(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, "", CombineTerms(nil))
		assert.Equal(t, "", CombineTerms([]string{"", ""}))
	})

	t.Run("single term unwrapped", func(t *testing.T) {
		assert.Equal(t, `sourcetype="a"`, CombineTerms([]string{`sourcetype="a"`}))
	})

	t.Run("deduplicates and sorts", func(t *testing.T) {
		got := CombineTerms([]string{`sourcetype="b"`, `sourcetype="a"`, `sourcetype="b"`})
		assert.Equal(t, `(sourcetype="a") OR (sourcetype="b")`, got)
	})
}

func TestFakeAdapter(t *testing.T) {
	t.Run("scripted completion fires handlers synchronously", func(t *testing.T) {
		f := NewFake()
		f.AddScript(Script{QueryContains: "tstats", Rows: []Row{{"index": "main"}}})

		var gotRows []Row
		id, err := f.Submit(context.Background(), InitScan(), SubmitOptions{
			Handlers: Handlers{OnComplete: func(_ string, rows []Row) { gotRows = rows }},
		})
		assert.NoError(t, err)
		assert.Len(t, gotRows, 1)

		res, err := f.Poll(context.Background(), id)
		assert.NoError(t, err)
		assert.True(t, res.Done)
		assert.False(t, res.Failed)
	})

	t.Run("held job completes on demand", func(t *testing.T) {
		f := NewFake()
		f.AddScript(Script{QueryContains: "fieldsummary", Hold: true})

		done := false
		id, err := f.Submit(context.Background(), EventSample("x", 10), SubmitOptions{
			Handlers: Handlers{OnComplete: func(string, []Row) { done = true }},
		})
		assert.NoError(t, err)
		assert.False(t, done)

		res, err := f.Poll(context.Background(), id)
		assert.NoError(t, err)
		assert.False(t, res.Done)

		f.Complete(id, []Row{{"avg_size": "100"}})
		assert.True(t, done)
	})

	t.Run("quiet settlement is only visible through poll", func(t *testing.T) {
		f := NewFake()
		f.AddScript(Script{QueryContains: "x", Hold: true})

		fired := false
		id, _ := f.Submit(context.Background(), "x", SubmitOptions{
			Handlers: Handlers{OnComplete: func(string, []Row) { fired = true }},
		})
		f.SettleQuietly(id, []Row{{"count": "1"}})

		assert.False(t, fired)
		res, err := f.Poll(context.Background(), id)
		assert.NoError(t, err)
		assert.True(t, res.Done)
		assert.Len(t, res.Rows, 1)
	})

	t.Run("failure path", func(t *testing.T) {
		f := NewFake()
		f.AddScript(Script{QueryContains: "boom", Fail: true})

		var gotErr error
		_, err := f.Submit(context.Background(), "boom", SubmitOptions{
			Handlers: Handlers{OnFail: func(_ string, e error) { gotErr = e }},
		})
		assert.NoError(t, err)
		assert.ErrorIs(t, gotErr, ErrSubmitFailed)
	})

	t.Run("cancel", func(t *testing.T) {
		f := NewFake()
		f.AddScript(Script{QueryContains: "x", Hold: true})
		id, _ := f.Submit(context.Background(), "x", SubmitOptions{})
		assert.NoError(t, f.Cancel(context.Background(), id))
		assert.True(t, f.WasCancelled(id))
		assert.ErrorIs(t, f.Cancel(context.Background(), "nope"), ErrJobNotFound)
	})
}
