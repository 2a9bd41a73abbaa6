package artifact_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/geolake/geolake/internal/artifact"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("artifact", func() {
	Context("key", func() {
		It("is scoped by request and keeps only the base name", func() {
			Expect(artifact.Key(12, "era5.nc")).To(Equal("12/era5.nc"))
			Expect(artifact.Key(12, "../../etc/passwd")).To(Equal("12/passwd"))
		})
	})

	Context("local store", func() {
		var (
			root  string
			local *artifact.LocalStore
		)

		BeforeEach(func() {
			root = GinkgoT().TempDir()
			var err error
			local, err = artifact.NewLocalStore(root, "http://geolake.local/download/")
			Expect(err).To(BeNil())
		})

		It("stores the artifact and returns its uri", func() {
			obj, err := local.Put(context.TODO(), "3/result.nc", strings.NewReader("netcdf"), 6)
			Expect(err).To(BeNil())
			Expect(obj.LocationPath).To(Equal("3/result.nc"))
			Expect(obj.URI).To(Equal("http://geolake.local/download/3/result.nc"))
			Expect(obj.Size).To(Equal(int64(6)))

			data, err := os.ReadFile(filepath.Join(root, "3", "result.nc"))
			Expect(err).To(BeNil())
			Expect(string(data)).To(Equal("netcdf"))
		})

		It("accepts an unknown size", func() {
			obj, err := local.Put(context.TODO(), "3/result.nc", bytes.NewReader(make([]byte, 1024)), -1)
			Expect(err).To(BeNil())
			Expect(obj.Size).To(Equal(int64(1024)))
		})

		It("leaves nothing behind on a short write", func() {
			_, err := local.Put(context.TODO(), "3/result.nc", strings.NewReader("net"), 6)
			Expect(err).ToNot(BeNil())

			entries, err := os.ReadDir(filepath.Join(root, "3"))
			Expect(err).To(BeNil())
			Expect(entries).To(BeEmpty())
		})

		It("stops on a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.TODO())
			cancel()
			_, err := local.Put(ctx, "3/result.nc", strings.NewReader("netcdf"), -1)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})

		It("rejects keys escaping the root", func() {
			_, err := local.Put(context.TODO(), "../outside.nc", strings.NewReader("x"), 1)
			Expect(errors.Is(err, artifact.ErrInvalidKey)).To(BeTrue())
		})

		It("deletes artifacts and ignores missing ones", func() {
			obj, err := local.Put(context.TODO(), "4/result.nc", strings.NewReader("x"), 1)
			Expect(err).To(BeNil())

			Expect(local.Delete(context.TODO(), obj.LocationPath)).To(Succeed())
			_, err = os.Stat(filepath.Join(root, "4", "result.nc"))
			Expect(os.IsNotExist(err)).To(BeTrue())

			Expect(local.Delete(context.TODO(), obj.LocationPath)).To(Succeed())
		})
	})

	Context("minio store", func() {
		It("requires an endpoint and a bucket", func() {
			_, err := artifact.NewMinioStore(artifact.WithBucket("geolake"))
			Expect(err).To(MatchError(ContainSubstring("endpoint")))

			_, err = artifact.NewMinioStore(artifact.WithEndpoint("localhost:9000"), artifact.WithBucket(""))
			Expect(err).To(MatchError(ContainSubstring("bucket")))
		})

		It("builds the client", func() {
			s, err := artifact.NewMinioStore(
				artifact.WithEndpoint("localhost:9000"),
				artifact.WithBucket("geolake"),
				artifact.WithAccessKey("access"),
				artifact.WithSecretKey("secret"),
			)
			Expect(err).To(BeNil())
			Expect(s.Type()).To(Equal("minio"))
		})
	})
})
