package courier_test

import (
	. "github.com/onsi/ginkgo/v2"

	"github.com/VsevolodSauta/courier"
)

var _ = Describe("InMemoryBackend", func() {
	BackendTestSuite(func() (courier.Backend, func()) {
		backend := courier.NewInMemoryBackend()
		return backend, func() { _ = backend.Close() }
	})
})
