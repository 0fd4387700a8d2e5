// Package policy serves cross-domain policy files: a client sends
// <policy-file-request/> followed by a NUL byte, and receives a policy
// document, NUL terminated, after which the connection is closed.
package policy

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/logiface"
)

// MasterPort is the port of the master policy authority.
const MasterPort = 843

// Request is the literal request, terminator included.
var Request = []byte("<policy-file-request/>\x00")

// Allow is one allow-access-from grant.
type Allow struct {
	Domain  string
	ToPorts string
}

// Document renders a policy granting each of allow. Master documents
// declare themselves the only policy permitted on the host. The result is
// NUL terminated.
func Document(master bool, allow []Allow) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n")
	b.WriteString("<!DOCTYPE cross-domain-policy SYSTEM \"http://www.adobe.com/xml/dtds/cross-domain-policy.dtd\">\n")
	b.WriteString("<cross-domain-policy>\n")
	if master {
		b.WriteString("  <site-control permitted-cross-domain-policies=\"master-only\"/>\n")
	}
	for _, a := range allow {
		b.WriteString("  <allow-access-from domain=\"")
		writeAttr(&b, a.Domain)
		b.WriteString("\" to-ports=\"")
		writeAttr(&b, a.ToPorts)
		b.WriteString("\"/>\n")
	}
	b.WriteString("</cross-domain-policy>\x00")
	return []byte(b.String())
}

func writeAttr(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

// handler answers a single request per connection.
type handler struct {
	logger *logiface.Logger[logiface.Event]
	doc    []byte
	buf    []byte
}

func (h *handler) HandleData(c *conmgr.Connection, data []byte) {
	if need := len(Request) - len(h.buf); len(data) > need {
		data = data[:need]
	}
	h.buf = append(h.buf, data...)
	if !bytes.HasPrefix(Request, h.buf) {
		c.Logger().Warning().
			Str("request", string(h.buf)).
			Log("policy: malformed request")
		c.Close()
		return
	}
	if len(h.buf) < len(Request) {
		return
	}
	c.MessageReceived()
	if err := c.Send(h.doc); err != nil {
		c.Logger().Debug().Err(err).Log("policy: failed to send document")
	}
	c.AsyncClose()
}

func (h *handler) ConnectionClosed(c *conmgr.Connection) {
	if len(h.buf) != len(Request) {
		h.logger.Debug().
			Uint64("conn", c.ID()).
			Int("received", len(h.buf)).
			Log("policy: connection closed before a complete request")
	}
}
