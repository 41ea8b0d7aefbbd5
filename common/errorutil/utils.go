package errorutil

import (
	"context"

	"go.uber.org/zap"

	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
)

func PanicIfError(err error) {
	if err == nil {
		return
	}
	logutil.Logger(context.Background()).Fatal("panic : ", zap.Error(err))
	logutil.Sync()
	panic(err)
}
