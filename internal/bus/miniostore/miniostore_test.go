package miniostore_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/bus/miniostore"
)

// fakeS3 answers bucket HEAD and PUT requests and reports every object as
// missing, the way S3 does.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	made    []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			f.buckets[bucket] = true
			f.made = append(f.made, bucket)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusNotFound)
	if r.Method != http.MethodHead {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key><BucketName>%s</BucketName></Error>`, key, bucket)
	}
}

var _ = Describe("Store", func() {
	var (
		ctx   context.Context
		fake  *fakeS3
		store *miniostore.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = &fakeS3{buckets: map[string]bool{}}
		server := httptest.NewServer(fake)
		DeferCleanup(server.Close)

		var err error
		store, err = miniostore.New(config.ObjectStoreConfig{
			MinIOEndpoint:  strings.TrimPrefix(server.URL, "http://"),
			MinIOAccessKey: "access",
			MinIOSecretKey: "secret",
			MinIORegion:    "us-east-1",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires an endpoint", func() {
		_, err := miniostore.New(config.ObjectStoreConfig{})
		Expect(err).To(MatchError(ContainSubstring("minio endpoint is required")))
	})

	It("maps bus bucket names to S3 names", func() {
		Expect(miniostore.BucketName("Magnet_OS_jobs")).To(Equal("magnet-os-jobs"))
	})

	It("reports a missing bucket as not found", func() {
		_, err := store.ObjectStore(ctx, "magnet_os")
		Expect(err).To(MatchError(bus.ErrNotFound))
	})

	It("creates a missing bucket once", func() {
		os, err := store.CreateObjectStore(ctx, "magnet_os_jobs")
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Bucket()).To(Equal("magnet_os_jobs"))

		_, err = store.CreateObjectStore(ctx, "magnet_os_jobs")
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.made).To(Equal([]string{"magnet-os-jobs"}))

		_, err = store.ObjectStore(ctx, "magnet_os_jobs")
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports missing objects as not found", func() {
		os, err := store.CreateObjectStore(ctx, "magnet_os_jobs")
		Expect(err).NotTo(HaveOccurred())

		_, _, err = os.Get(ctx, "missing")
		Expect(err).To(MatchError(bus.ErrNotFound))
		Expect(os.Delete(ctx, "missing")).To(MatchError(bus.ErrNotFound))
	})
})
