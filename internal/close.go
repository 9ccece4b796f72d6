package internal

import (
	"context"
	"io"

	"github.com/matrix-org/util"
)

// CloseAndLogIfError closes the closer and logs the error, for use in
// defers where the error cannot change the outcome.
func CloseAndLogIfError(ctx context.Context, closer io.Closer, message string) {
	if closer == nil {
		return
	}
	err := closer.Close()
	if ctx == nil {
		ctx = context.TODO()
	}
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error(message)
	}
}
