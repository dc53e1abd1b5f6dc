package signalbus_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSignalBus(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SignalBus Suite")
}
