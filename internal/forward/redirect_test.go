package forward_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/idleproxy/internal/forward"
)

var _ = Describe("Redirects", func() {
	var (
		engine   *forward.Engine
		location atomic.Value
		srv      *httptest.Server
	)

	BeforeEach(func() {
		engine = forward.NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Location", location.Load().(string))
			w.WriteHeader(http.StatusFound)
		}))
	})

	AfterEach(func() {
		srv.Close()
	})

	forwardTo := func(req *http.Request) *forward.Result {
		result, err := engine.Forward(context.Background(), req, srv.Listener.Addr().String(), time.Second)
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	It("should rewrite a redirect to the backend onto the inbound origin", func() {
		location.Store("http://" + srv.Listener.Addr().String() + "/login?next=%2Fhome")

		result := forwardTo(httptest.NewRequest(http.MethodGet, "http://public.example:8080/home", nil))

		Expect(result.Response.StatusCode).To(Equal(http.StatusFound))
		Expect(result.Response.Header.Get("Location")).To(Equal("http://public.example:8080/login?next=%2Fhome"))
		Expect(result.Exchange.Response.Redirected).To(BeTrue())
		Expect(result.Exchange.Response.Headers).To(HaveKeyWithValue("location", "http://public.example:8080/login?next=%2Fhome"))
	})

	It("should treat localhost and the loopback address as the same backend", func() {
		_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		location.Store("http://localhost:" + port + "/dashboard")

		result := forwardTo(httptest.NewRequest(http.MethodGet, "http://public.example/", nil))

		Expect(result.Response.Header.Get("Location")).To(Equal("http://public.example/dashboard"))
	})

	It("should use the forwarded scheme of the inbound request", func() {
		location.Store("http://" + srv.Listener.Addr().String() + "/secure")

		req := httptest.NewRequest(http.MethodGet, "http://public.example/", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		result := forwardTo(req)

		Expect(result.Response.Header.Get("Location")).To(Equal("https://public.example/secure"))
	})

	It("should pass third-party redirects through", func() {
		location.Store("https://auth.example.com/oauth?client=1")

		result := forwardTo(httptest.NewRequest(http.MethodGet, "http://public.example/", nil))

		Expect(result.Response.Header.Get("Location")).To(Equal("https://auth.example.com/oauth?client=1"))
		Expect(result.Exchange.Response.Redirected).To(BeTrue())
	})

	It("should not rewrite a redirect to another port on the same host", func() {
		location.Store("http://127.0.0.1:1/elsewhere")

		result := forwardTo(httptest.NewRequest(http.MethodGet, "http://public.example/", nil))

		Expect(result.Response.Header.Get("Location")).To(Equal("http://127.0.0.1:1/elsewhere"))
	})

	It("should leave relative locations alone", func() {
		location.Store("/relative/path")

		result := forwardTo(httptest.NewRequest(http.MethodGet, "http://public.example/", nil))

		Expect(result.Response.Header.Get("Location")).To(Equal("/relative/path"))
	})

	It("should not follow the redirect itself", func() {
		location.Store("http://" + srv.Listener.Addr().String() + "/loop")

		result := forwardTo(httptest.NewRequest(http.MethodGet, "http://public.example/", nil))

		Expect(result.Attempts).To(Equal(1))
		Expect(result.Response.StatusCode).To(Equal(http.StatusFound))
	})
})
