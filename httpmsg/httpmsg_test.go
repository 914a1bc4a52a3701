package httpmsg

import (
	"net/http"
	"net/textproto"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequest_Clone(t *testing.T) {
	req := NewRequest(http.MethodPost, "https://u:p@example.com/a")
	req.Header.Set("Referer", "https://example.com/")
	req.Body = []byte("payload")

	cpy := req.Clone()
	cpy.Header.Set("Referer", "changed")
	cpy.Body[0] = 'P'
	cpy.URL.Path = "/b"
	cpy.RemoveCredentials()

	if got := req.Referrer(); got != "https://example.com/" {
		t.Errorf("original header mutated: %q", got)
	}
	if string(req.Body) != "payload" {
		t.Errorf("original body mutated: %q", req.Body)
	}
	if req.URL.Path != "/a" || req.URL.User == nil {
		t.Errorf("original URL mutated: %s", req.URL)
	}
}

func TestNewRequest_Malformed(t *testing.T) {
	req := NewRequest(http.MethodGet, "http://[::1")
	if req.URL != nil {
		t.Errorf("exp nil URL for malformed input, got %s", req.URL)
	}
}

func TestSameOrigin(t *testing.T) {
	testCases := []struct {
		a, b string
		exp  bool
	}{
		{a: "https://example.com/a", b: "https://example.com:443/b", exp: true},
		{a: "http://example.com/", b: "https://example.com/", exp: false},
		{a: "http://example.com/", b: "http://example.com:8080/", exp: false},
		{a: "http://EXAMPLE.com/", b: "http://example.com/", exp: true},
		{a: "http://a.com/", b: "http://b.com/", exp: false},
	}

	for _, tc := range testCases {
		t.Run(tc.a+" "+tc.b, func(t *testing.T) {
			a, _ := url.Parse(tc.a)
			b, _ := url.Parse(tc.b)
			if got := SameOrigin(a, b); got != tc.exp {
				t.Errorf("exp %v, got %v", tc.exp, got)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	u, _ := url.Parse("https://example.com/files/report%20final.pdf")
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=UTF-8")
	header.Set("Content-Length", "42")
	header.Add("Set-Cookie", "a=1")
	header.Add("Set-Cookie", "b=2")

	resp := NewResponse(u, http.StatusOK, "200 OK", header)

	if resp.MIMEType != "text/html" || resp.TextEncoding != "UTF-8" {
		t.Errorf("unexpected content type: %q %q", resp.MIMEType, resp.TextEncoding)
	}
	if resp.ContentLength != 42 {
		t.Errorf("exp content length 42, got %d", resp.ContentLength)
	}
	if diff := cmp.Diff([]string{"a=1", "b=2"}, resp.Header.Values("Set-Cookie")); diff != "" {
		t.Errorf("multi-valued header order mismatch (-want +got):\n%s", diff)
	}
	if got := resp.SuggestedFilename(); got != "report final.pdf" {
		t.Errorf("exp suggested filename from URL, got %q", got)
	}

	resp.Header.Set("Content-Disposition", `attachment; filename="../data.csv"`)
	if got := resp.SuggestedFilename(); got != "data.csv" {
		t.Errorf("exp suggested filename from disposition, got %q", got)
	}
}

func TestResponse_Multipart(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", `multipart/x-mixed-replace; boundary="frame"`)

	resp := NewResponse(nil, http.StatusOK, "200 OK", header)
	if !resp.IsMultipart() {
		t.Fatal("exp multipart")
	}
	if got := resp.Boundary(); got != "frame" {
		t.Errorf("exp boundary frame, got %q", got)
	}

	part := NewPartResponse(nil, textproto.MIMEHeader{"Content-Type": {"image/png"}})
	if part.IsMultipart() || part.MIMEType != "image/png" {
		t.Errorf("unexpected part response: %+v", part)
	}
}
