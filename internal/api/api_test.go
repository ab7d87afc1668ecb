package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/idleproxy/internal/api"
	"github.com/angeloszaimis/idleproxy/internal/exchange"
	"github.com/angeloszaimis/idleproxy/internal/store"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0xff}

func newExchange(serverID string, status int, elapsed time.Duration, body exchange.Body) exchange.Exchange {
	return exchange.Exchange{
		ID:       uuid.Must(uuid.NewV7()).String(),
		ServerID: serverID,
		Request: exchange.Request{
			Method:  http.MethodGet,
			URL:     "http://public.example/" + serverID,
			Headers: map[string]string{"accept": "*/*"},
		},
		Response: exchange.Response{
			URL:        "http://localhost:3000/" + serverID,
			Headers:    map[string]string{"content-type": body.ContentType},
			Body:       body,
			Status:     status,
			StatusText: http.StatusText(status),
		},
		Elapsed:   elapsed,
		Timestamp: time.Now(),
	}
}

var _ = Describe("API", func() {
	var (
		ctx    context.Context
		db     *store.BadgerStore
		server *httptest.Server
		client *api.Client
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		db, err = store.NewMemoryStore()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		states := func() map[string]string { return map[string]string{"api": "running"} }
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		mux := http.NewServeMux()
		mux.Handle(api.Prefix+"/", api.New(db, states, logger))
		server = httptest.NewServer(mux)
		DeferCleanup(server.Close)

		client = api.NewClient(server.URL + "/")
	})

	Describe("servers", func() {
		It("should list rows with state and running time", func() {
			Expect(db.RegisterServer(ctx, store.Server{ID: "api", Kind: "process"})).To(Succeed())
			Expect(db.SaveExchange(ctx, newExchange("api", 200, 1500*time.Millisecond, exchange.Body{}))).To(Succeed())

			servers, err := client.Servers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(servers).To(HaveLen(1))
			Expect(servers[0].ID).To(Equal("api"))
			Expect(servers[0].Kind).To(Equal("process"))
			Expect(servers[0].State).To(Equal("running"))
			Expect(servers[0].RunningTime).To(BeNumerically("~", 1.5, 0.001))
		})
	})

	Describe("requests", func() {
		It("should list newest first and filter by server", func() {
			for i := 0; i < 3; i++ {
				Expect(db.SaveExchange(ctx, newExchange("api", 200+i, time.Second, exchange.Body{}))).To(Succeed())
			}
			Expect(db.SaveExchange(ctx, newExchange("web", 404, time.Second, exchange.Body{}))).To(Succeed())

			records, err := client.Requests(ctx, "api", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].Status).To(Equal(202))
			Expect(records[1].Status).To(Equal(201))

			all, err := client.Requests(ctx, "", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(4))
			Expect(all[0].ServerID).To(Equal("web"))
		})

		It("should return an empty list when nothing is stored", func() {
			resp, err := http.Get(server.URL + "/_api/requests")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(MatchJSON(`[]`))
		})

		It("should reject a bad limit", func() {
			_, err := client.Requests(ctx, "", -1)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(server.URL + "/_api/requests?limit=abc")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("request", func() {
		It("should inline JSON bodies", func() {
			ex := newExchange("api", 200, time.Second, exchange.Body{ContentType: "application/json", Raw: []byte(`{"a":1}`)})
			Expect(db.SaveExchange(ctx, ex)).To(Succeed())

			detail, err := client.Request(ctx, ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.ID).To(Equal(ex.ID))
			Expect(detail.Response.Status).To(Equal(200))
			Expect(detail.Response.Body.Text).NotTo(BeNil())
			Expect(*detail.Response.Body.Text).To(MatchJSON(`{"a":1}`))
		})

		It("should reference binary bodies and serve them byte-exact", func() {
			ex := newExchange("api", 200, time.Second, exchange.Body{ContentType: "image/png", Raw: pngBytes})
			Expect(db.SaveExchange(ctx, ex)).To(Succeed())

			detail, err := client.Request(ctx, ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.Response.Body.Text).To(BeNil())
			Expect(detail.Response.Body.Ref).To(Equal(store.BodyRef(ex.ID, store.SideResponse)))

			resp, err := http.Get(server.URL + detail.Response.Body.Ref)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			data, _ := io.ReadAll(resp.Body)
			Expect(data).To(Equal(pngBytes))

			blob, err := client.Body(ctx, ex.ID, store.SideResponse)
			Expect(err).NotTo(HaveOccurred())
			Expect(blob.Data).To(Equal(pngBytes))
		})

		It("should answer 404 for an unknown id", func() {
			_, err := client.Request(ctx, "missing")

			var apiErr *api.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Status).To(Equal(http.StatusNotFound))
			Expect(apiErr.Code).To(Equal("NOT_FOUND"))
		})

		It("should require an id and a known body side", func() {
			resp, err := http.Get(server.URL + "/_api/request")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			resp, err = http.Get(server.URL + "/_api/request?id=x&body=headers")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("logs", func() {
		It("should return the stored log text", func() {
			Expect(db.AppendLog(ctx, "api", "listening on 3000")).To(Succeed())

			text, err := client.Logs(ctx, "api")
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("listening on 3000\n"))
		})

		It("should require a server id", func() {
			_, err := client.Logs(ctx, "")

			var apiErr *api.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Status).To(Equal(http.StatusBadRequest))
			Expect(apiErr.Message).To(ContainSubstring("server_id"))
		})
	})

	Describe("stats", func() {
		It("should aggregate requests and running time", func() {
			Expect(db.SaveExchange(ctx, newExchange("api", 200, time.Second, exchange.Body{}))).To(Succeed())
			Expect(db.SaveExchange(ctx, newExchange("api", 200, 2*time.Second, exchange.Body{}))).To(Succeed())
			Expect(db.SaveExchange(ctx, newExchange("web", 200, 4*time.Second, exchange.Body{}))).To(Succeed())

			stats, err := client.Stats(ctx, "api", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Requests).To(Equal(int64(2)))
			Expect(stats.RunningTime).To(BeNumerically("~", 3.0, 0.001))

			stats, err = client.Stats(ctx, "", exchange.DateBucket(time.Now()))
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Requests).To(Equal(int64(3)))
		})
	})

	Describe("routing", func() {
		It("should answer unknown paths with a JSON 404", func() {
			resp, err := http.Get(server.URL + "/_api/nope")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var body map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("message", "Not Found!"))
		})

		It("should answer preflight requests with CORS headers", func() {
			req, err := http.NewRequest(http.MethodOptions, server.URL+"/_api/requests", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should reject writes", func() {
			resp, err := http.Post(server.URL+"/_api/requests", "text/plain", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})
})
