package memory_test

import (
	"testing"

	"github.com/rezonia/nfse-submitter/internal/store/memory"
	"github.com/rezonia/nfse-submitter/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, memory.New())
}
