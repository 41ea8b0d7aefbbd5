package errorutil

import (
	"context"
	"runtime"

	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
)

type RecoveryFallBackFunc func(interface{})

func Recovery(funcs ...RecoveryFallBackFunc) {
	if r := recover(); r != nil {
		recovered := false
		for _, fun := range funcs {
			if fun != nil {
				fun(r)
				recovered = true
			}
		}
		if !recovered {
			buf := make([]byte, 1<<18)
			n := runtime.Stack(buf, false)
			logutil.Logger(context.Background()).Sugar().Errorf("%v, STACK: %s", r, buf[0:n])
		}
	}
}

// SafeGoroutine runs fn with panic recovery; use for fire-and-forget work.
func SafeGoroutine(fn func()) {
	defer Recovery()
	fn()
}
