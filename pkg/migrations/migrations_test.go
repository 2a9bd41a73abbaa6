package migrations_test

import (
	"io/fs"
	"os"
	"path"

	"github.com/geolake/geolake/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pressly/goose/v3"
)

var _ = Describe("migrations", func() {
	Context("source", func() {
		It("fails when the migration folder does not exist", func() {
			_, err := migrations.Source("some folder")
			Expect(err).NotTo(BeNil())
		})

		It("fails when the migration folder is a file", func() {
			f, err := os.CreateTemp(GinkgoT().TempDir(), "migration")
			Expect(err).To(BeNil())
			f.Close()

			_, err = migrations.Source(f.Name())
			Expect(err).To(MatchError(ContainSubstring("is not a folder")))
		})

		It("reads the migrations of a folder", func() {
			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(path.Join(dir, "00001_test.sql"), []byte("-- +goose Up\nSELECT 1;\n"), 0o600)).To(Succeed())

			source, err := migrations.Source(dir)
			Expect(err).To(BeNil())
			files, err := fs.Glob(source, "*.sql")
			Expect(err).To(BeNil())
			Expect(files).To(ConsistOf("00001_test.sql"))
		})
	})

	Context("embedded", func() {
		It("ships every table", func() {
			source, err := migrations.Source("")
			Expect(err).To(BeNil())

			goose.SetBaseFS(source)
			defer goose.SetBaseFS(nil)

			collected, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
			Expect(err).To(BeNil())
			Expect(collected).ToNot(BeEmpty())
			Expect(collected[0].Version).To(BeEquivalentTo(1))

			content, err := fs.ReadFile(source, "00001_init.sql")
			Expect(err).To(BeNil())
			for _, table := range []string{"roles", "users", "workers", "storages", "downloads", "requests"} {
				Expect(string(content)).To(ContainSubstring("CREATE TABLE IF NOT EXISTS " + table + " ("))
			}
		})
	})
})
