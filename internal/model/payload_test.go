package model_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/internal/model"
)

var _ = Describe("Payload", func() {
	It("encodes identical payloads to identical bytes", func() {
		a, err := model.EncodePayload(model.TextPayload{DocumentID: "doc1", Text: "hello"})
		Expect(err).NotTo(HaveOccurred())
		b, err := model.EncodePayload(model.TextPayload{DocumentID: "doc1", Text: "hello"})
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(Equal(b))
		Expect(string(a)).To(Equal(`{"kind":"text","data":{"document_id":"doc1","text":"hello"}}`))
	})

	It("decodes each variant", func() {
		for _, p := range []model.Payload{
			model.TextPayload{DocumentID: "doc1", Text: "hello"},
			model.GeneratedPayload{Query: "q", Context: []string{"c"}, Result: "r", Model: "m"},
			model.EmbeddingPayload{DocumentID: "doc1", Embedding: []float32{0.5, 1}, Model: "m"},
		} {
			data, err := model.EncodePayload(p)
			Expect(err).NotTo(HaveOccurred())
			got, err := model.DecodePayload(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(p))
			Expect(got.Kind()).To(Equal(p.Kind()))
		}
	})

	It("keeps file bytes off the wire", func() {
		data, err := model.EncodePayload(model.FilePayload{ID: "f", OriginalFilename: "f.pdf", Data: []byte("secret")})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).NotTo(ContainSubstring("secret"))
	})

	DescribeTable("rejects",
		func(raw string, want error) {
			_, err := model.DecodePayload([]byte(raw))
			Expect(err).To(MatchError(want))
		},
		Entry("garbage", `not json`, model.ErrInvalidPayload),
		Entry("unknown kind", `{"kind":"audio","data":{}}`, model.ErrUnknownPayload),
		Entry("missing kind", `{"data":{"document_id":"x"}}`, model.ErrUnknownPayload),
		Entry("unknown field", `{"kind":"text","data":{"document_id":"x","extra":1}}`, model.ErrInvalidPayload),
		Entry("missing document id", `{"kind":"text","data":{"text":"x"}}`, model.ErrInvalidPayload),
		Entry("empty embedding", `{"kind":"embedding","data":{"document_id":"x","embedding":[]}}`, model.ErrInvalidPayload),
		Entry("generated without query or prompt", `{"kind":"generated","data":{"result":"r"}}`, model.ErrInvalidPayload),
	)

	It("refuses to encode invalid payloads", func() {
		_, err := model.EncodePayload(model.TextPayload{})
		Expect(err).To(MatchError(model.ErrInvalidPayload))
		_, err = model.EncodePayload(nil)
		Expect(err).To(MatchError(model.ErrInvalidPayload))
	})

	It("names payloads by key", func() {
		Expect(model.TextPayload{DocumentID: "d"}.Key()).To(Equal("d"))
		Expect(model.FilePayload{ID: "f"}.Key()).To(Equal("f"))
		Expect(model.GeneratedPayload{Model: "m"}.Key()).To(Equal("m"))
	})
})
