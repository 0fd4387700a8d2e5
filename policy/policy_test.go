package policy

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument(t *testing.T) {
	doc := string(Document(false, []Allow{{Domain: "*", ToPorts: "*"}}))
	assert.True(t, strings.HasSuffix(doc, "\x00"))
	assert.Contains(t, doc, `<allow-access-from domain="*" to-ports="*"/>`)
	assert.NotContains(t, doc, "site-control")

	master := string(Document(true, []Allow{{Domain: "*", ToPorts: "*"}}))
	siteControl := strings.Index(master, `<site-control permitted-cross-domain-policies="master-only"/>`)
	require.GreaterOrEqual(t, siteControl, 0)
	assert.Less(t, siteControl, strings.Index(master, "<allow-access-from"))
}

func TestDocument_wellFormed(t *testing.T) {
	doc := Document(true, []Allow{
		{Domain: "*.example.com", ToPorts: "80,443"},
		{Domain: `a"b<c`, ToPorts: "*"},
	})
	var parsed struct {
		XMLName     xml.Name `xml:"cross-domain-policy"`
		SiteControl struct {
			Permitted string `xml:"permitted-cross-domain-policies,attr"`
		} `xml:"site-control"`
		Allow []struct {
			Domain  string `xml:"domain,attr"`
			ToPorts string `xml:"to-ports,attr"`
		} `xml:"allow-access-from"`
	}
	require.NoError(t, xml.Unmarshal(doc[:len(doc)-1], &parsed))
	assert.Equal(t, "master-only", parsed.SiteControl.Permitted)
	require.Len(t, parsed.Allow, 2)
	assert.Equal(t, "*.example.com", parsed.Allow[0].Domain)
	assert.Equal(t, "80,443", parsed.Allow[0].ToPorts)
	assert.Equal(t, `a"b<c`, parsed.Allow[1].Domain)
}
