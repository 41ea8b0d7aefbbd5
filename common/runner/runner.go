package runner

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/code-craka/upi-payment-app-sub000/common/errorutil"
	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
)

type Service interface {
	Start() error
	Stop() error
}

type ServiceRunner interface {
	Wait()
}

// RunService starts s and stops it on SIGINT/SIGTERM/SIGQUIT.
func RunService(s Service) ServiceRunner {
	r := &serviceRunner{
		signals: make(chan os.Signal, 1),
		service: s,
	}
	r.wg.Add(1)
	go r.handleSignal()
	go r.handleStart()
	return r
}

type serviceRunner struct {
	signals chan os.Signal
	service Service
	stopped int32
	wg      sync.WaitGroup
}

func (r *serviceRunner) handleStart() {
	func() {
		defer errorutil.Recovery()
		err := r.service.Start()
		if err != nil {
			logutil.Logger(context.Background()).Fatal(err.Error())
		}
	}()
	if atomic.LoadInt32(&r.stopped) == 0 {
		r.wg.Done()
	}
}

func (r *serviceRunner) handleSignal() {
	signal.Notify(r.signals, syscall.SIGPIPE, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for sig := range r.signals {
		logutil.Logger(context.Background()).Info("received ", zap.String("signal", sig.String()))
		switch sig {
		case syscall.SIGPIPE:
		default:
			atomic.StoreInt32(&r.stopped, 1)
			_ = r.service.Stop()
			r.wg.Done()
		}
	}
}

func (r *serviceRunner) Wait() {
	r.wg.Wait()
	_ = logutil.Sync()
}
