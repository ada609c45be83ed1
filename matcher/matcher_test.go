package matcher

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftsec/introspect/element"
)

func TestTableMatch(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Rule{
		Field:       "sourcetype",
		Pattern:     regexp.MustCompile(`^linux_secure$`),
		ProductID:   "LinuxAuth",
		ProductName: "Linux Auth Logs",
		VendorName:  "Linux",
	})
	tbl.Add(Rule{
		Field:      "source",
		Pattern:    regexp.MustCompile(`WinEventLog`),
		ProductID:  "WindowsEvents",
		VendorName: "Microsoft",
	})

	t.Run("matches on field value", func(t *testing.T) {
		id, ok := tbl.Match(element.Row{"sourcetype": "linux_secure"})
		require.True(t, ok)
		assert.Equal(t, "LinuxAuth", id.ProductID)
		assert.Equal(t, "Linux", id.VendorName)
	})

	t.Run("unanchored pattern matches substring", func(t *testing.T) {
		id, ok := tbl.Match(element.Row{"source": "XmlWinEventLog:Security"})
		require.True(t, ok)
		assert.Equal(t, "WindowsEvents", id.ProductID)
	})

	t.Run("no rule fires", func(t *testing.T) {
		_, ok := tbl.Match(element.Row{"sourcetype": "custom_app_log"})
		assert.False(t, ok)
	})

	t.Run("empty field value skipped", func(t *testing.T) {
		_, ok := tbl.Match(element.Row{"sourcetype": ""})
		assert.False(t, ok)
	})
}

func TestTableFirstMatchWins(t *testing.T) {
	tbl := NewTable()
	tbl.AddLiteral("sourcetype", "linux_secure", "StaticProduct", "", "")
	tbl.AddLiteral("sourcetype", "linux_secure", "DynamicProduct", "", "")

	id, ok := tbl.Match(element.Row{"sourcetype": "linux_secure"})
	require.True(t, ok)
	assert.Equal(t, "StaticProduct", id.ProductID)
}

func TestAddLiteralAnchors(t *testing.T) {
	tbl := NewTable()
	tbl.AddLiteral("sourcetype", "linux_secure", "LinuxAuth", "", "")

	_, ok := tbl.Match(element.Row{"sourcetype": "linux_secure_extended"})
	assert.False(t, ok)

	_, ok = tbl.Match(element.Row{"sourcetype": "linux_secure"})
	assert.True(t, ok)
}

func TestAddLiteralQuotesMetaCharacters(t *testing.T) {
	tbl := NewTable()
	tbl.AddLiteral("source", "/var/log/app.log", "App", "", "")

	_, ok := tbl.Match(element.Row{"source": "/var/log/appXlog"})
	assert.False(t, ok)

	_, ok = tbl.Match(element.Row{"source": "/var/log/app.log"})
	assert.True(t, ok)
}

func TestAddFromTermSearch(t *testing.T) {
	identity := element.Identity{ProductID: "LinuxAuth", VendorName: "Linux"}

	t.Run("extracts sourcetype and source literals", func(t *testing.T) {
		tbl := NewTable()
		added := tbl.AddFromTermSearch(
			`(index="main" sourcetype="linux_secure") OR (source="/var/log/secure")`, identity)
		assert.Equal(t, 2, added)
		assert.Equal(t, 2, tbl.Len())

		id, ok := tbl.Match(element.Row{"sourcetype": "linux_secure"})
		require.True(t, ok)
		assert.Equal(t, "LinuxAuth", id.ProductID)

		id, ok = tbl.Match(element.Row{"source": "/var/log/secure"})
		require.True(t, ok)
		assert.Equal(t, "LinuxAuth", id.ProductID)
	})

	t.Run("index literals are not extracted", func(t *testing.T) {
		tbl := NewTable()
		added := tbl.AddFromTermSearch(`index="main"`, identity)
		assert.Equal(t, 0, added)
	})

	t.Run("empty term search adds nothing", func(t *testing.T) {
		tbl := NewTable()
		assert.Equal(t, 0, tbl.AddFromTermSearch("", identity))
	})
}

func TestTableClear(t *testing.T) {
	tbl := NewTable()
	tbl.AddLiteral("sourcetype", "x", "P", "", "")
	require.Equal(t, 1, tbl.Len())
	tbl.Clear()
	assert.Equal(t, 0, tbl.Len())
}
