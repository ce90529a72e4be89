//go:build sqlite
// +build sqlite

package courier_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/courier"
)

var _ = Describe("SQLiteBackend", func() {
	BackendTestSuite(func() (courier.Backend, func()) {
		tmpFile, err := os.CreateTemp("", "courier_sqlite_test_*.db")
		Expect(err).NotTo(HaveOccurred())
		Expect(tmpFile.Close()).To(Succeed())

		backend, err := courier.NewSQLiteBackend(tmpFile.Name())
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.Remove(tmpFile.Name())
		}
	})
})
