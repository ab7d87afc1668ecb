package httpserver_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/idleproxy/internal/httpserver"
)

var noop = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

var _ = Describe("HTTP Server", func() {
	DescribeTable("address validation",
		func(addr string, valid bool) {
			srv, err := httpserver.New(addr, noop)
			if valid {
				Expect(err).NotTo(HaveOccurred())
				Expect(srv.Addr()).To(Equal(addr))
			} else {
				Expect(err).To(HaveOccurred())
				Expect(srv).To(BeNil())
			}
		},
		Entry("hostname", "localhost:9999", true),
		Entry("IPv4", "127.0.0.1:9999", true),
		Entry("port only", ":9999", true),
		Entry("too many colons", "invalid:host:port", false),
		Entry("missing port", "localhost:", false),
		Entry("no port at all", "localhost", false),
	)

	It("should accept a write timeout option", func() {
		srv, err := httpserver.New(":9999", noop, httpserver.WithWriteTimeout(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(srv).NotTo(BeNil())
	})

	Context("lifecycle", func() {
		var srv *httpserver.Server

		AfterEach(func() {
			if srv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}
		})

		It("should serve on a listener", func() {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			srv, err = httpserver.New(l.Addr().String(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("idle"))
			}))
			Expect(err).NotTo(HaveOccurred())
			go func() { _ = srv.Serve(l) }()

			resp, err := http.Get("http://" + l.Addr().String())
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("idle"))
		})

		It("should return nil from Start after Shutdown", func() {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			addr := l.Addr().String()
			Expect(l.Close()).To(Succeed())

			srv, err = httpserver.New(addr, noop)
			Expect(err).NotTo(HaveOccurred())

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			Eventually(func() error {
				conn, err := net.Dial("tcp", addr)
				if err == nil {
					conn.Close()
				}
				return err
			}).Should(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(srv.Shutdown(ctx)).To(Succeed())
			Eventually(errCh).Should(Receive(BeNil()))
		})
	})
})
