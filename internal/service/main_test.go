package service_test

import (
	"testing"

	"go.uber.org/goleak"
)

// The worker loop owns every goroutine it starts. Fail the package if
// one of them outlives the tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
