package settlement

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, scanner, storage, NewMetrics(),
			&mockIDGenerator{ids: []string{"r1"}},
			&mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth.enabled() {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	doJSON := func(method, path string, v any) *http.Response {
		var body io.Reader
		if v != nil {
			data, err := json.Marshal(v)
			Expect(err).NotTo(HaveOccurred())
			body = bytes.NewReader(data)
		}
		return do(method, path, body, "application/json")
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(field, filename string, data []byte) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile(field, filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return do(http.MethodPost, "/api/receipts/analyze", body, writer.FormDataContentType())
	}

	settleRequest := func() SettleRequest {
		items, participants := teaAndSnacks()
		return SettleRequest{
			OwnerContactID: participants[0].ContactID,
			GroupName:      "Chai Point",
			Participants:   participants,
			LineItems:      items,
			Assignments: [][]string{
				{participants[0].ContactID, participants[1].ContactID},
				{participants[0].ContactID},
			},
		}
	}

	seed := func(status Status) {
		db.records["r1"] = &Record{
			ID:             "r1",
			OwnerContactID: "+911111111111",
			GroupName:      "Chai Point",
			TotalAmount:    dec("150"),
			ReceiptFile:    "r1_bill.png",
			Status:         status,
		}
	}

	Describe("GET /healthz", func() {
		It("answers ok", func() {
			resp := do(http.MethodGet, "/healthz", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /api/receipts/analyze", func() {
		It("returns the parsed line items", func() {
			resp := upload("bill", "bill.jpg", []byte("fake image"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var analysis Analysis
			decode(resp, &analysis)
			Expect(analysis.Parsed).To(BeTrue())
			Expect(analysis.ShopName).To(Equal("Chai Point"))
			Expect(analysis.LineItems).To(HaveLen(2))
			Expect(analysis.ReceiptFile).To(Equal("r1_bill.jpg"))
		})

		It("rejects a request without a bill", func() {
			resp := upload("file", "bill.jpg", []byte("fake image"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var e errorResponse
			decode(resp, &e)
			Expect(e.Field).To(Equal("bill"))
		})

		It("rejects a body that is not multipart", func() {
			resp := doJSON(http.MethodPost, "/api/receipts/analyze", map[string]string{})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				scanner.scanErr = errors.New("upstream unavailable")
			})

			It("answers bad gateway", func() {
				resp := upload("bill", "bill.jpg", []byte("fake image"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))

				var e errorResponse
				decode(resp, &e)
				Expect(e.Category).To(Equal("extraction"))
			})
		})
	})

	Describe("POST /api/splits", func() {
		It("creates a record with the computed shares", func() {
			resp := doJSON(http.MethodPost, "/api/splits", settleRequest())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var record Record
			decode(resp, &record)
			Expect(record.ID).To(Equal("r1"))
			Expect(record.Status).To(Equal(StatusPending))
			Expect(record.TotalAmount.StringFixed(2)).To(Equal("150.00"))
			Expect(amountsOf(record.Allocations)).To(Equal(map[string]string{
				"+911111111111": "100.00",
				"+922222222222": "50.00",
			}))
		})

		It("rejects an incomplete assignment with the field name", func() {
			req := settleRequest()
			req.Assignments[1] = nil

			resp := doJSON(http.MethodPost, "/api/splits", req)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var e errorResponse
			decode(resp, &e)
			Expect(e.Field).To(Equal("assignments"))
			Expect(db.records).To(BeEmpty())
		})

		It("rejects malformed JSON", func() {
			resp := do(http.MethodPost, "/api/splits", strings.NewReader("{"), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the store fails", func() {
			BeforeEach(func() {
				db.createErr = errors.New("no space left on device")
			})

			It("hides the cause behind a 500", func() {
				resp := doJSON(http.MethodPost, "/api/splits", settleRequest())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

				var e errorResponse
				decode(resp, &e)
				Expect(e.Error).To(Equal("Internal server error"))
			})
		})
	})

	Describe("POST /api/transactions", func() {
		It("creates a record and returns its id", func() {
			items, participants := teaAndSnacks()
			resp := doJSON(http.MethodPost, "/api/transactions", map[string]any{
				"owner_contact_id": participants[0].ContactID,
				"group_name":       "Chai Point",
				"participants":     participants,
				"line_items":       items,
				"allocations": []map[string]any{
					{"contact_id": participants[0].ContactID, "allocated_amount": 100, "product_names": []string{"Tea", "Snacks"}},
					{"contact_id": participants[1].ContactID, "allocated_amount": "50.00", "product_names": []string{"Tea"}},
				},
				"total_amount": 150,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var created idResponse
			decode(resp, &created)
			Expect(created.ID).To(Equal("r1"))
			Expect(created.Success).To(BeTrue())
			Expect(db.records["r1"].Status).To(Equal(StatusPending))
		})

		It("rejects a draft without a total", func() {
			items, participants := teaAndSnacks()
			resp := doJSON(http.MethodPost, "/api/transactions", map[string]any{
				"owner_contact_id": participants[0].ContactID,
				"participants":     participants,
				"line_items":       items,
				"allocations": []map[string]any{
					{"contact_id": participants[0].ContactID, "allocated_amount": 150},
				},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var e errorResponse
			decode(resp, &e)
			Expect(e.Field).To(Equal("total_amount"))
		})
	})

	Describe("listing transactions", func() {
		BeforeEach(func() {
			seed(StatusPending)
		})

		It("lists by path owner", func() {
			resp := do(http.MethodGet, "/api/users/+911111111111/transactions", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var records []Record
			decode(resp, &records)
			Expect(records).To(HaveLen(1))
		})

		It("lists by query owner", func() {
			resp := do(http.MethodGet, "/api/transactions?owner=%2B911111111111", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var records []Record
			decode(resp, &records)
			Expect(records).To(HaveLen(1))
		})

		It("returns an empty array for an owner without records", func() {
			resp := do(http.MethodGet, "/api/transactions?owner=nobody", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("requires an owner", func() {
			resp := do(http.MethodGet, "/api/transactions", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/transactions/{id}", func() {
		It("returns the record", func() {
			seed(StatusPending)
			resp := do(http.MethodGet, "/api/transactions/r1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var record Record
			decode(resp, &record)
			Expect(record.GroupName).To(Equal("Chai Point"))
		})

		It("answers not found for an unknown id", func() {
			resp := do(http.MethodGet, "/api/transactions/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("PATCH /api/transactions/{id}/status", func() {
		It("completes a pending record", func() {
			seed(StatusPending)
			resp := doJSON(http.MethodPatch, "/api/transactions/r1/status", map[string]string{"status": "completed"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var record Record
			decode(resp, &record)
			Expect(record.Status).To(Equal(StatusCompleted))
		})

		It("answers conflict for a terminal record", func() {
			seed(StatusCompleted)
			resp := doJSON(http.MethodPatch, "/api/transactions/r1/status", map[string]string{"status": "cancelled"})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(db.records["r1"].Status).To(Equal(StatusCompleted))
		})

		It("answers bad request for an unknown status", func() {
			seed(StatusPending)
			resp := doJSON(http.MethodPatch, "/api/transactions/r1/status", map[string]string{"status": "paid"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var e errorResponse
			decode(resp, &e)
			Expect(e.Field).To(Equal("status"))
		})

		It("answers not found for an unknown id", func() {
			resp := doJSON(http.MethodPatch, "/api/transactions/missing/status", map[string]string{"status": "completed"})
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("DELETE /api/transactions/{id}", func() {
		It("removes the record", func() {
			seed(StatusPending)
			resp := do(http.MethodDelete, "/api/transactions/r1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(db.records).To(BeEmpty())
		})

		It("answers not found for an unknown id", func() {
			resp := do(http.MethodDelete, "/api/transactions/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/transactions/{id}/receipt", func() {
		It("serves the stored bill with a sniffed content type", func() {
			seed(StatusPending)
			png := []byte("\x89PNG\r\n\x1a\n0000")
			storage.files["r1_bill.png"] = png

			resp := do(http.MethodGet, "/api/transactions/r1/receipt", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal(png))
		})

		It("answers not found when the bill is gone", func() {
			seed(StatusPending)
			resp := do(http.MethodGet, "/api/transactions/r1/receipt", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/splits", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Origin", "http://localhost:3000")
			req.Header.Set("Access-Control-Request-Method", http.MethodPatch)

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(BeNumerically("<", 300))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes request latency per route", func() {
			do(http.MethodGet, "/api/transactions/missing", nil, "")
			resp := do(http.MethodGet, "/metrics", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`route="GET /api/transactions/{id}"`))
		})
	})

	When("basic auth is configured", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("accepts the right credentials", func() {
			seed(StatusPending)
			resp := do(http.MethodGet, "/api/transactions/r1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects missing credentials", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			resp, err := http.Get(ghttpServer.URL() + "/api/transactions/r1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("leaves the health check open", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
