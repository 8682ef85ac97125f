package settlement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/splitpay/internal/lineitem"
	"github.com/zombor/splitpay/internal/settlement"
)

// fixedScanner answers every bill with the same text
type fixedScanner struct {
	answer string
}

func (f *fixedScanner) Scan(ctx context.Context, data []byte, contentType string) (string, error) {
	return f.answer, nil
}

func (f *fixedScanner) Close() error {
	return nil
}

var _ = Describe("Integration", func() {
	var (
		db       *settlement.BoltDB
		store    *settlement.LocalStorage
		scanner  *fixedScanner
		server   *settlement.Server
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()

		var err error
		db, err = settlement.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = settlement.NewLocalStorage(filepath.Join(tempDir, "bills"))
		Expect(err).NotTo(HaveOccurred())

		scanner = &fixedScanner{
			answer: "Here are the items:\n```json\n" +
				`[{"product":"Tea","price":"₹100.00"},{"product":"Snacks","price":"₹50.00"}]` +
				"\n```",
		}

		service := settlement.NewService(db, scanner, store, settlement.NewMetrics())
		server = settlement.NewServer(service, settlement.BasicAuth{})
		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghServer.Close()
		db.Close()
	})

	call := func(method, path string, body io.Reader, contentType string) *http.Response {
		ghServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	callJSON := func(method, path string, v any) *http.Response {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return call(method, path, bytes.NewReader(data), "application/json")
	}

	It("analyzes a bill, settles it and walks it through its lifecycle", func() {
		// Step 1: upload the bill
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("bill", "dinner.png")
		Expect(err).NotTo(HaveOccurred())
		billBytes := []byte("\x89PNG\r\n\x1a\nfake png content")
		_, err = part.Write(billBytes)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp := call(http.MethodPost, "/api/receipts/analyze", body, writer.FormDataContentType())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var analysis settlement.Analysis
		Expect(json.NewDecoder(resp.Body).Decode(&analysis)).To(Succeed())
		Expect(analysis.Parsed).To(BeTrue())
		Expect(analysis.LineItems).To(HaveLen(2))
		Expect(lineitem.Total(analysis.LineItems).StringFixed(2)).To(Equal("150.00"))

		stored, err := store.Get(analysis.ReceiptFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(Equal(billBytes))

		// Step 2: Tea is shared by A and B, Snacks is A's alone
		participants := []settlement.Participant{
			{DisplayName: "A", ContactID: "+911111111111"},
			{DisplayName: "B", ContactID: "+922222222222"},
		}
		resp = callJSON(http.MethodPost, "/api/splits", settlement.SettleRequest{
			OwnerContactID: "+911111111111",
			GroupName:      analysis.ShopName,
			Participants:   participants,
			LineItems:      analysis.LineItems,
			Assignments:    [][]string{{"+911111111111", "+922222222222"}, {"+911111111111"}},
			ReceiptFile:    analysis.ReceiptFile,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var record settlement.Record
		Expect(json.NewDecoder(resp.Body).Decode(&record)).To(Succeed())
		Expect(record.Status).To(Equal(settlement.StatusPending))
		Expect(record.GroupName).To(Equal(lineitem.DefaultShopName))
		Expect(record.TotalAmount.StringFixed(2)).To(Equal("150.00"))
		Expect(record.Allocations).To(HaveLen(2))
		Expect(record.Allocations[0].AllocatedAmount.StringFixed(2)).To(Equal("100.00"))
		Expect(record.Allocations[1].AllocatedAmount.StringFixed(2)).To(Equal("50.00"))
		Expect(record.ReceiptFile).NotTo(Equal(analysis.ReceiptFile))

		copied, err := store.Get(record.ReceiptFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(copied).To(Equal(billBytes))

		// Step 3: it shows up in the owner's history
		resp = call(http.MethodGet, "/api/users/+911111111111/transactions", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var history []settlement.Record
		Expect(json.NewDecoder(resp.Body).Decode(&history)).To(Succeed())
		Expect(history).To(HaveLen(1))
		Expect(history[0].ID).To(Equal(record.ID))

		// Step 4: complete it, then try to cancel it
		resp = callJSON(http.MethodPatch, fmt.Sprintf("/api/transactions/%s/status", record.ID), map[string]string{"status": "completed"})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp = callJSON(http.MethodPatch, fmt.Sprintf("/api/transactions/%s/status", record.ID), map[string]string{"status": "cancelled"})
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))

		saved, err := db.GetRecord(record.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.Status).To(Equal(settlement.StatusCompleted))

		// Step 5: the bill is still served, and deleting removes the record's copy only
		resp = call(http.MethodGet, fmt.Sprintf("/api/transactions/%s/receipt", record.ID), nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp = call(http.MethodDelete, "/api/transactions/"+record.ID, nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		_, err = store.Get(record.ReceiptFile)
		Expect(err).To(HaveOccurred())
		_, err = store.Get(analysis.ReceiptFile)
		Expect(err).NotTo(HaveOccurred())

		resp = call(http.MethodGet, "/api/transactions/"+record.ID, nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("keeps the raw answer and creates nothing when the bill cannot be read", func() {
		scanner.answer = "The image is too blurry to read."

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("bill", "blurry.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("blurry"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp := call(http.MethodPost, "/api/receipts/analyze", body, writer.FormDataContentType())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var analysis settlement.Analysis
		Expect(json.NewDecoder(resp.Body).Decode(&analysis)).To(Succeed())
		Expect(analysis.Parsed).To(BeFalse())
		Expect(analysis.Raw).To(Equal("The image is too blurry to read."))

		records, err := db.ListRecordsByOwner("+911111111111")
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(BeEmpty())
	})
})
