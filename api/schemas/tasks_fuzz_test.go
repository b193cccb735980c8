package schemas_test

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"

	"github.com/xkilldash9x/chromeherd/api/schemas"
)

// FuzzTaskValidate ensures validation never panics on arbitrary task
// structures, since queued payloads arrive from untrusted producers.
func FuzzTaskValidate(f *testing.F) {
	f.Add([]byte(`{"id":"t1","steps":[{"kind":"navigate","url":"https://example.com"}]}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var task schemas.Task
		if err := consumer.GenerateStruct(&task); err != nil {
			return
		}
		_ = task.Validate()
	})
}
