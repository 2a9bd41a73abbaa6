package store_test

import (
	"context"
	"errors"

	st "github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("Store", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
	)

	BeforeAll(func() {
		store, gormDB = newTestStore()
		insertUser(gormDB, 1, model.RoleStandard)
	})

	AfterAll(func() {
		store.Close()
	})

	Context("seed", func() {
		It("creates the roles and the storages once", func() {
			Expect(store.Seed(context.TODO(), model.Storage{Name: "local", Host: "example.org", Protocol: "file"})).To(Succeed())

			roles, err := store.Role().List(context.TODO())
			Expect(err).To(BeNil())
			Expect(roles).To(HaveLen(2))

			storages, err := store.Storage().List(context.TODO())
			Expect(err).To(BeNil())
			Expect(storages).To(HaveLen(1))
			Expect(storages[0].Host).To(Equal("example.org"))
		})
	})

	Context("transaction", func() {
		AfterEach(func() {
			gormDB.Exec("DELETE FROM requests;")
		})

		It("insert a request successfully", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			request, err := store.Request().Create(ctx, model.Request{UserID: 1, Dataset: "era5", Product: "reanalysis", Query: model.Query(`{}`)})
			Expect(err).To(BeNil())
			Expect(request).ToNot(BeNil())

			// commit
			_, cerr := st.Commit(ctx)
			Expect(cerr).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from requests;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("rollback a request successfully", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = store.Request().Create(ctx, model.Request{UserID: 1, Dataset: "era5", Product: "reanalysis", Query: model.Query(`{}`)})
			Expect(err).To(BeNil())

			// count in the same transaction
			requests, err := store.Request().List(ctx, st.NewRequestQueryFilter(), nil)
			Expect(err).To(BeNil())
			Expect(requests).To(HaveLen(1))

			// rollback
			_, cerr := st.Rollback(ctx)
			Expect(cerr).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from requests;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("WithTransaction rolls back when the callback fails", func() {
			boom := errors.New("boom")
			err := st.WithTransaction(context.TODO(), store, func(ctx context.Context) error {
				if _, err := store.Request().Create(ctx, model.Request{UserID: 1, Dataset: "era5", Product: "reanalysis"}); err != nil {
					return err
				}
				return boom
			})
			Expect(err).To(MatchError(boom))

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) from requests;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("WithTransaction joins an outer transaction", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			err = st.WithTransaction(ctx, store, func(ctx context.Context) error {
				_, err := store.Request().Create(ctx, model.Request{UserID: 1, Dataset: "era5", Product: "reanalysis"})
				return err
			})
			Expect(err).To(BeNil())

			// the inner call must not have committed
			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) from requests;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})
	})
})
