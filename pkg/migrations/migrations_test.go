package migrations_test

import (
	"context"
	"path/filepath"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("migrations", func() {
	var (
		cfg    *config.Config
		gormdb *gorm.DB
	)

	BeforeEach(func() {
		cfg = config.NewDefault()
		cfg.Database.Type = "sqlite"
		cfg.Database.Name = filepath.Join(GinkgoT().TempDir(), "migrations.db")

		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())
		gormdb = db
	})

	AfterEach(func() {
		sqlDB, err := gormdb.DB()
		Expect(err).To(BeNil())
		sqlDB.Close()
	})

	tableExists := func(name string) bool {
		var count int
		tx := gormdb.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
		Expect(tx.Error).To(BeNil())
		return count == 1
	}

	It("fails when the migration folder does not exist", func() {
		cfg.Service.MigrationFolder = "some folder"
		err := migrations.MigrateStore(context.TODO(), gormdb, cfg)
		Expect(err).NotTo(BeNil())
	})

	It("applies the embedded migrations", func() {
		err := migrations.MigrateStore(context.TODO(), gormdb, cfg)
		Expect(err).To(BeNil())
		Expect(tableExists("progress_records")).To(BeTrue())
	})

	It("is idempotent", func() {
		Expect(migrations.MigrateStore(context.TODO(), gormdb, cfg)).To(Succeed())
		Expect(migrations.MigrateStore(context.TODO(), gormdb, cfg)).To(Succeed())
		Expect(tableExists("progress_records")).To(BeTrue())
	})
})
