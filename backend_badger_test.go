package courier_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/courier"
)

var _ = Describe("BadgerBackend", func() {
	BackendTestSuite(func() (courier.Backend, func()) {
		dir, err := os.MkdirTemp("", "courier_badger_test_*")
		Expect(err).NotTo(HaveOccurred())

		backend, err := courier.NewBadgerBackend(dir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.RemoveAll(dir)
		}
	})
})
