package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/idleproxy/internal/handler"
	"github.com/angeloszaimis/idleproxy/internal/metrics"
)

var _ = Describe("Handler", func() {
	var (
		log       *slog.Logger
		collector *metrics.Collector
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		collector = metrics.NewCollector(16, log)
		ctx, cancel = context.WithCancel(context.Background())
		collector.Start(ctx)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("ServeHTTP", func() {
		It("should pass the request to the backend handler", func() {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte("backend1"))
			})
			h := handler.NewBackendHandler(log, "api", next, collector)

			req := httptest.NewRequest(http.MethodPost, "/test", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(w.Body.String()).To(Equal("backend1"))
		})

		It("should let the backend handler flush through the wrapper", func() {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("early"))
				Expect(http.NewResponseController(w).Flush()).To(Succeed())
			})
			h := handler.NewBackendHandler(log, "api", next, collector)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(w.Flushed).To(BeTrue())
			Expect(w.Body.String()).To(Equal("early"))
		})

		It("should record the request and its status", func() {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusRequestTimeout)
			})
			h := handler.NewBackendHandler(log, "api", next, collector)

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			Eventually(func() map[int]int64 {
				return collector.Snapshot().Backends["api"].StatusCodes
			}).Should(HaveKeyWithValue(http.StatusRequestTimeout, int64(1)))
			Expect(collector.Snapshot().Backends["api"].Requests).To(Equal(int64(1)))
		})

		It("should assume 200 when the backend never writes a header", func() {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			})
			h := handler.NewBackendHandler(log, "api", next, collector)

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			Eventually(func() map[int]int64 {
				return collector.Snapshot().Backends["api"].StatusCodes
			}).Should(HaveKeyWithValue(http.StatusOK, int64(1)))
		})

		It("should work without a collector", func() {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
			h := handler.NewBackendHandler(log, "api", next, nil)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
		})
	})
})
